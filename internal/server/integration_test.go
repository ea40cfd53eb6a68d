package server

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/xuri/excelize/v2"

	"github.com/zombor/receipt-assistant/internal/chat"
	"github.com/zombor/receipt-assistant/internal/imaging"
	"github.com/zombor/receipt-assistant/internal/llm"
	"github.com/zombor/receipt-assistant/internal/ocr"
	"github.com/zombor/receipt-assistant/internal/receipt"
	"github.com/zombor/receipt-assistant/internal/worker"
)

const receiptTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"5\t1\t1\t1\t1\t1\t10\t20\t100\t18\t91\tCORNER\n" +
	"5\t1\t1\t1\t1\t2\t120\t20\t100\t18\t91\tMARKET\n" +
	"5\t1\t1\t1\t2\t1\t10\t40\t100\t18\t88\tMILK\n" +
	"5\t1\t1\t1\t2\t2\t120\t40\t100\t18\t88\t2\n" +
	"5\t1\t1\t1\t2\t3\t160\t40\t100\t18\t88\t@\n" +
	"5\t1\t1\t1\t2\t4\t200\t40\t100\t18\t88\t2.50\n" +
	"5\t1\t1\t1\t3\t1\t10\t60\t100\t18\t85\tBREAD\n" +
	"5\t1\t1\t1\t3\t2\t200\t60\t100\t18\t85\t1.00\n" +
	"5\t1\t1\t1\t4\t1\t10\t80\t100\t18\t93\tTOTAL\n" +
	"5\t1\t1\t1\t4\t2\t200\t80\t100\t18\t93\t$6.00\n"

const structuredReceipt = "```json\n" + `{
	"items": [
		{"name": "Milk", "unit_price": 2.50, "quantity": 2, "category": "Groceries"},
		{"name": "Bread", "unit_price": "1.00", "quantity": 1, "category": "Groceries"}
	],
	"subtotal": 6.00,
	"total": 6.00,
	"currency": "USD"
}` + "\n```"

// tesseractStub answers every recognition pass with the same TSV
type tesseractStub struct{}

func (tesseractStub) Run(context.Context, string, ...string) ([]byte, []byte, error) {
	return []byte(receiptTSV), nil, nil
}

// modelStub answers structuring prompts with a fixed receipt and anything else with a note
type modelStub struct {
	provider string

	mu    sync.Mutex
	calls int
}

func (m *modelStub) Invoke(_ context.Context, p llm.Prompt) (*llm.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if strings.Contains(p.System, "OCR text") {
		return &llm.Response{Text: structuredReceipt, Provider: m.provider, Model: m.provider + "-model"}, nil
	}
	return &llm.Response{Text: "You spent 6.00 on groceries.", Provider: m.provider, Model: m.provider + "-model"}, nil
}

func (m *modelStub) Provider() string { return m.provider }
func (m *modelStub) Model() string    { return m.provider + "-model" }
func (m *modelStub) Close() error     { return nil }

func (m *modelStub) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// photo draws a few dark text bars on a white page
func photo() []byte {
	img := image.NewGray(image.Rect(0, 0, 240, 320))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for row := 0; row < 6; row++ {
		for y := 40 + row*40; y < 52+row*40; y++ {
			for x := 30; x < 210; x++ {
				img.Pix[y*img.Stride+x] = 20
			}
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Receipt processing end to end", func() {
	var (
		fast, local *modelStub
		ledger      *llm.Ledger
		router      *llm.Router
		pool        *worker.Pool
		records     *receipt.Records
		session     *chat.Session
		exportDir   string
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		fast = &modelStub{provider: "groq"}
		local = &modelStub{provider: "ollama"}
		ledger = llm.NewLedger(150)

		var err error
		router, err = llm.NewRouter(ledger, []llm.TierConfig{
			{Tier: llm.Fast, Invoker: fast, Cost: 100, MaxConcurrent: 2},
			{Tier: llm.Local, Invoker: local, Cost: 0, MaxConcurrent: 1},
		}, llm.WithTimeout(5*time.Second))
		Expect(err).NotTo(HaveOccurred())

		pipeline := receipt.NewPipeline(
			imaging.NewNormalizer(),
			ocr.NewRecognizer(ocr.WithRunner(tesseractStub{})),
			receipt.NewStructurer(router),
			receipt.NewValidator(),
		)

		exportDir = GinkgoT().TempDir()
		storage, err := receipt.NewLocalStorage(exportDir)
		Expect(err).NotTo(HaveOccurred())

		pool = worker.NewPool(worker.WithWorkers(1))
		records = receipt.NewRecords()
		session = chat.NewSession(router)

		server := NewServer(Deps{
			Pool:      pool,
			Processor: pipeline,
			Records:   records,
			Chat:      session,
			Ledger:    ledger,
			Tiers:     router,
			Exporter:  receipt.NewXLSXExporter(storage),
		}, BasicAuth{})
		go server.Consume(pool.Events())

		ghttpServer = ghttp.NewServer()
		all := regexp.MustCompile(`.*`)
		for _, method := range []string{"GET", "POST", "DELETE"} {
			ghttpServer.RouteToHandler(method, all, server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Shutdown(ctx)
		router.Close()
		ghttpServer.Close()
	})

	submit := func() string {
		resp := upload(ghttpServer.URL(), "corner market.png", photo())
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var body map[string]string
		decode(resp, &body)

		id := body["job_id"]
		Eventually(func() worker.State {
			resp, err := http.Get(ghttpServer.URL() + "/api/jobs/" + id)
			Expect(err).NotTo(HaveOccurred())
			var job jobResponse
			decode(resp, &job)
			return job.State
		}, 5*time.Second).Should(Equal(worker.StateSucceeded))
		return id
	}

	It("should structure and validate an uploaded receipt", func() {
		submit()
		Eventually(records.Len).Should(Equal(1))

		list := records.List()
		r := list[0]
		Expect(r.Filename).To(Equal("corner market.png"))
		Expect(r.Status).To(Equal(receipt.StatusValid))
		Expect(r.Tier).To(Equal("fast"))
		Expect(r.Model).To(Equal("groq-model"))
		Expect(r.Currency).To(Equal("USD"))
		Expect(r.Items).To(HaveLen(2))
		Expect(r.ItemsTotal().StringFixed(2)).To(Equal("6.00"))
		Expect(r.Items[0].Confidence).To(BeNumerically("~", 0.88, 0.001))
	})

	It("should fall back to the free tier once credits run low", func() {
		submit()
		Eventually(records.Len).Should(Equal(1))
		Expect(ledger.Balance()).To(Equal(int64(50)))

		submit()
		Eventually(records.Len).Should(Equal(2))
		Expect(records.List()[1].Tier).To(Equal("local"))
		Expect(ledger.Balance()).To(Equal(int64(50)))
		Expect(fast.Calls()).To(Equal(1))
		Expect(local.Calls()).To(Equal(1))
	})

	It("should answer chat questions with the receipts as context", func() {
		submit()
		Eventually(records.Len).Should(Equal(1))

		reply := session.Send(context.Background(), "How much did I spend?", llm.Local)
		Expect(reply.IsError()).To(BeFalse())
		Expect(reply.TierUsed).To(Equal("local"))

		history := session.History()
		Expect(history).To(HaveLen(2))
		Expect(history[1].Text).To(Equal("You spent 6.00 on groceries."))
	})

	It("should export the processed receipts to a workbook", func() {
		submit()
		Eventually(records.Len).Should(Equal(1))

		resp := do("POST", ghttpServer.URL()+"/api/export", "")
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var body map[string]any
		decode(resp, &body)

		path := body["path"].(string)
		Expect(filepath.Dir(path)).To(Equal(exportDir))

		f, err := excelize.OpenFile(path)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		rows, err := f.GetRows("Items")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(rows[1][0]).To(Equal("Milk"))
		Expect(rows[2][0]).To(Equal("Bread"))
	})
})
