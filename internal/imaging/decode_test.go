package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/image/bmp"
)

var _ = Describe("Decode", func() {
	var (
		raw RawImage
		img image.Image
		err error
	)

	JustBeforeEach(func() {
		img, err = Decode(raw)
	})

	When("the image is a BMP", func() {
		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(bmp.Encode(&buf, image.NewGray(image.Rect(0, 0, 64, 64)))).To(Succeed())
			raw = RawImage{Data: buf.Bytes(), Format: ".bmp"}
		})

		It("should decode it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(64))
		})
	})

	When("the format tag is wrong", func() {
		BeforeEach(func() {
			raw = RawImage{Data: encodePNG(image.NewGray(image.Rect(0, 0, 70, 80))), Format: "image/jpeg"}
		})

		It("should sniff the real format", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dy()).To(Equal(80))
		})
	})
})

// withPNGSize rewrites the IHDR dimensions of an encoded PNG and fixes its CRC
func withPNGSize(data []byte, w, h uint32) []byte {
	out := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

var _ = Describe("Decode size limit", func() {
	It("should refuse an image whose header claims too many pixels", func() {
		data := withPNGSize(encodePNG(image.NewGray(image.Rect(0, 0, 60, 60))), 30000, 30000)
		_, err := Decode(RawImage{Data: data, Format: "png"})
		Expect(err).To(MatchError(ErrImageDecode))
		Expect(err).To(MatchError(ContainSubstring("30000x30000 exceeds")))
	})

	It("should accept an image at the limit", func() {
		Expect(checkSize(image.Config{Width: 8192, Height: 8192})).To(Succeed())
		Expect(checkSize(image.Config{Width: 8193, Height: 8192})).To(MatchError(ErrImageDecode))
	})
})

var _ = Describe("normalizeFormat", func() {
	It("should map extensions to MIME types", func() {
		Expect(normalizeFormat(".JPG")).To(Equal("image/jpeg"))
		Expect(normalizeFormat("tif")).To(Equal("image/tiff"))
		Expect(normalizeFormat("pdf")).To(Equal("application/pdf"))
		Expect(normalizeFormat("image/png")).To(Equal("image/png"))
	})
})

var _ = Describe("isHEICFormat", func() {
	It("should detect the ftyp brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEICFormat(data)).To(BeTrue())
		Expect(isHEICFormat([]byte("short"))).To(BeFalse())
	})
})
