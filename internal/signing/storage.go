package signing

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

const pdfContentType = "application/pdf"

// SignedPath derives the artifact key: a trailing .pdf becomes _signed.pdf.
func SignedPath(documentPath string) string {
	if strings.HasSuffix(strings.ToLower(documentPath), ".pdf") {
		return documentPath[:len(documentPath)-len(".pdf")] + "_signed.pdf"
	}
	return documentPath + "_signed.pdf"
}

// originalKey is where uploaded originals live.
func originalKey(ownerID string, id uuid.UUID, filename string) string {
	return path.Join("signature-requests", safeSegment(ownerID), id.String(), safeFilename(filename))
}

func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	name = safeSegment(name)
	if name == "" || name == "_" {
		name = "document"
	}
	return name + ".pdf"
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
