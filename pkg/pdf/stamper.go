package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"

	"dealer-portal/esign-backend/pkg/placement"
)

var (
	// ErrMalformedDocument means the source PDF could not be loaded.
	ErrMalformedDocument = errors.New("malformed PDF document")
	// ErrMalformedImage means the signature raster could not be decoded.
	ErrMalformedImage = errors.New("malformed signature image")
)

const (
	DefaultDateLayout = "January 2, 2006"
	DefaultFontSize   = 8.0

	signatureImage = "signature"
	mediaBox       = "/MediaBox"
)

// Skip reasons reported for spots that were not stamped.
const (
	ReasonPageOutOfRange = "page_out_of_range"
	ReasonEmptyBox       = "empty_box"
)

// StampOptions controls the signed-date annotation.
type StampOptions struct {
	SignedAt   time.Time
	DateLayout string
	FontSize   float64
}

// StampedSpot records where a spot was drawn.
type StampedSpot struct {
	Index     int
	Page      int
	Placement placement.Placement
}

// SkippedSpot records a spot that could not be stamped. Skips never fail the
// whole operation.
type SkippedSpot struct {
	Index  int
	Page   int
	Reason string
}

// Result is the outcome of a stamping run.
type Result struct {
	Document []byte
	Pages    int
	Stamped  []StampedSpot
	Skipped  []SkippedSpot
}

// Stamper embeds a signature raster into an existing PDF.
type Stamper interface {
	Stamp(ctx context.Context, original, signature []byte, spots []placement.Spot, opts StampOptions) (*Result, error)
}

// GofpdfStamper re-composes the source pages as imported templates and draws
// the signature on top of them.
type GofpdfStamper struct {
	dateLayout string
	fontSize   float64
}

// NewStamper creates a stamper. Zero values fall back to the defaults.
func NewStamper(dateLayout string, fontSize float64) *GofpdfStamper {
	if dateLayout == "" {
		dateLayout = DefaultDateLayout
	}
	if fontSize <= 0 {
		fontSize = DefaultFontSize
	}
	return &GofpdfStamper{dateLayout: dateLayout, fontSize: fontSize}
}

// Inspect loads a document and returns its page dimensions.
func Inspect(original []byte) ([]placement.Page, error) {
	doc, err := openDocument(original)
	if err != nil {
		return nil, err
	}
	return doc.pages, nil
}

// Stamp draws the signature at every spot and serializes a new document. The
// original bytes are never modified. With no spots the original content is
// returned unchanged once it has been validated.
func (s *GofpdfStamper) Stamp(ctx context.Context, original, signature []byte, spots []placement.Spot, opts StampOptions) (*Result, error) {
	imageCfg, err := png.DecodeConfig(bytes.NewReader(signature))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if imageCfg.Width == 0 || imageCfg.Height == 0 {
		return nil, fmt.Errorf("%w: empty raster", ErrMalformedImage)
	}

	doc, err := openDocument(original)
	if err != nil {
		return nil, err
	}

	if len(spots) == 0 {
		unchanged := make([]byte, len(original))
		copy(unchanged, original)
		return &Result{Document: unchanged, Pages: len(doc.pages)}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	layout := opts.DateLayout
	if layout == "" {
		layout = s.dateLayout
	}
	fontSize := opts.FontSize
	if fontSize <= 0 {
		fontSize = s.fontSize
	}
	label := "Signed: " + opts.SignedAt.Format(layout)

	result := &Result{Pages: len(doc.pages)}
	byPage := make(map[int][]StampedSpot)
	for i, spot := range spots {
		if spot.Page < 1 || spot.Page > len(doc.pages) {
			result.Skipped = append(result.Skipped, SkippedSpot{Index: i, Page: spot.Page, Reason: ReasonPageOutOfRange})
			continue
		}
		p, err := placement.Compute(spot, doc.pages[spot.Page-1], float64(imageCfg.Width), float64(imageCfg.Height))
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedSpot{Index: i, Page: spot.Page, Reason: ReasonEmptyBox})
			continue
		}
		stamped := StampedSpot{Index: i, Page: spot.Page, Placement: p}
		byPage[spot.Page] = append(byPage[spot.Page], stamped)
		result.Stamped = append(result.Stamped, stamped)
	}

	out, err := doc.render(ctx, signature, byPage, label, fontSize)
	if err != nil {
		return nil, err
	}
	result.Document = out
	return result, nil
}

type sourceDocument struct {
	pdf       *gofpdf.Fpdf
	importer  *gofpdi.Importer
	templates []int
	pages     []placement.Page
}

// openDocument imports every page of the source. The importer panics on
// unreadable input, so panics are turned into ErrMalformedDocument.
func openDocument(original []byte) (doc *sourceDocument, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(original, " \t\r\n"), []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedDocument)
	}

	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("%w: %v", ErrMalformedDocument, r)
		}
	}()

	pdf := gofpdf.New("P", "pt", "A4", "")
	importer := gofpdi.NewImporter()
	rs := io.ReadSeeker(bytes.NewReader(original))

	first := importer.ImportPageFromStream(pdf, &rs, 1, mediaBox)
	sizes := importer.GetPageSizes()
	if len(sizes) == 0 {
		return nil, fmt.Errorf("%w: no pages", ErrMalformedDocument)
	}

	doc = &sourceDocument{
		pdf:       pdf,
		importer:  importer,
		templates: []int{first},
		pages:     make([]placement.Page, len(sizes)),
	}
	for n := 1; n <= len(sizes); n++ {
		box, ok := sizes[n][mediaBox]
		if !ok {
			return nil, fmt.Errorf("%w: page %d has no media box", ErrMalformedDocument, n)
		}
		doc.pages[n-1] = placement.Page{Width: box["w"], Height: box["h"]}
		if n > 1 {
			doc.templates = append(doc.templates, importer.ImportPageFromStream(pdf, &rs, n, mediaBox))
		}
	}
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return doc, nil
}

func (d *sourceDocument) render(ctx context.Context, signature []byte, byPage map[int][]StampedSpot, label string, fontSize float64) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrMalformedDocument, r)
		}
	}()

	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	d.pdf.RegisterImageOptionsReader(signatureImage, opts, bytes.NewReader(signature))
	if err := d.pdf.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	d.pdf.SetFont("Helvetica", "", fontSize)
	d.pdf.SetTextColor(0, 0, 0)

	for i, page := range d.pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.pdf.AddPageFormat("P", gofpdf.SizeType{Wd: page.Width, Ht: page.Height})
		d.importer.UseImportedTemplate(d.pdf, d.templates[i], 0, 0, page.Width, page.Height)

		// gofpdf measures y from the top of the page
		for _, s := range byPage[i+1] {
			img := s.Placement.Image
			d.pdf.ImageOptions(signatureImage, img.X, page.Height-img.Y-img.Height, img.Width, img.Height, false, opts, 0, "")
			d.pdf.Text(s.Placement.Label.X(), page.Height-s.Placement.Label.Y(), label)
		}
	}

	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("serialize signed document: %w", err)
	}
	return buf.Bytes(), nil
}
