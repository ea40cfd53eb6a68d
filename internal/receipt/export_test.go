package receipt

import (
	"bytes"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("Workbook", func() {
	var (
		records []*Record
		file    *excelize.File
	)

	BeforeEach(func() {
		inconsistent := sampleRecord("r2")
		inconsistent.Filename = ""
		inconsistent.Status = StatusInconsistent
		inconsistent.Issues = []string{"items sum to 6.00 but total is 10.00"}
		records = []*Record{sampleRecord("r1"), inconsistent}
	})

	JustBeforeEach(func() {
		data, err := Workbook(records)
		Expect(err).NotTo(HaveOccurred())
		file, err = excelize.OpenReader(bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		file.Close()
	})

	It("should write one item row per line item", func() {
		rows, err := file.GetRows(itemsSheet)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(5))
		Expect(rows[0]).To(Equal(itemsHeader))
		Expect(rows[1]).To(Equal([]string{"Milk", "Groceries", "2", "2.5", "5", "r1.jpg", "draft"}))
	})

	It("should fall back to the record ID when there is no filename", func() {
		rows, err := file.GetRows(itemsSheet)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows[3][5]).To(Equal("r2"))
		Expect(rows[3][6]).To(Equal("inconsistent"))
	})

	It("should write one summary row per receipt", func() {
		rows, err := file.GetRows(receiptsSheet)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(rows[0]).To(Equal(receiptsHeader))
		Expect(rows[2][0]).To(Equal("r2"))
		Expect(rows[2][2]).To(Equal("6"))
		Expect(rows[2][8]).To(Equal("items sum to 6.00 but total is 10.00"))
	})
})

var _ = Describe("XLSXExporter", func() {
	var (
		dir      string
		exporter *XLSXExporter
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		storage, err := NewLocalStorage(dir)
		Expect(err).NotTo(HaveOccurred())
		exporter = NewXLSXExporter(storage)
		exporter.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	})

	It("should write a timestamped workbook", func() {
		path, err := exporter.Export([]*Record{sampleRecord("r1")})
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(filepath.Join(dir, "receipts-20240506-070809.xlsx")))
		Expect(path).To(BeAnExistingFile())
	})

	It("should refuse to export nothing", func() {
		_, err := exporter.Export(nil)
		Expect(err).To(MatchError(ErrNothingToExport))
	})
})
