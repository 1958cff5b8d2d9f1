package fingerprint

import (
	"bytes"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pdfMagic = []byte("%PDF-")

// PageCount returns the number of pages of a PDF payload, or 0 when the
// payload is not a PDF or cannot be parsed. It never affects the digest.
func PageCount(b []byte) int {
	if !bytes.HasPrefix(b, pdfMagic) {
		return 0
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(b), conf)
	if err != nil {
		return 0
	}
	return n
}
