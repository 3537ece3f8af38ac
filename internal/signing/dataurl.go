package signing

import (
	"encoding/base64"
	"strings"
)

const maxSignatureImageBytes = 2 << 20

// DecodeSignatureImage accepts a PNG data URL or bare base64.
func DecodeSignatureImage(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, invalid("signatureImage is required")
	}

	if strings.HasPrefix(value, "data:") {
		header, payload, ok := strings.Cut(value, ",")
		if !ok {
			return nil, invalid("signatureImage is not a data URL")
		}
		mediaType := strings.ToLower(strings.TrimPrefix(header, "data:"))
		if !strings.HasSuffix(mediaType, ";base64") {
			return nil, invalid("signatureImage must be base64 encoded")
		}
		if strings.TrimSuffix(mediaType, ";base64") != "image/png" {
			return nil, invalid("signatureImage must be a PNG")
		}
		value = payload
	}

	if base64.StdEncoding.DecodedLen(len(value)) > maxSignatureImageBytes {
		return nil, invalid("signatureImage is too large")
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(value)
	}
	if err != nil {
		return nil, invalid("signatureImage is not valid base64")
	}
	if len(decoded) == 0 {
		return nil, invalid("signatureImage is empty")
	}
	return decoded, nil
}
