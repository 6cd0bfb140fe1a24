package validation

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

var (
	ErrUploadTooLarge      = errors.New("validation: upload exceeds size limit")
	ErrUploadForbiddenType = errors.New("validation: upload extension not allowed")
	ErrUploadTypeMismatch  = errors.New("validation: upload content does not match declared type")
)

// mimePrefix mapea extensión declarada → prefijo MIME esperado del sniffing.
// DetectContentType sólo mira los primeros 512 bytes, así que la comparación
// es por prefijo (json y csv se sniffean como text/plain).
var mimePrefix = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"md":   "text/plain",
	"csv":  "text/plain",
	"json": "text/plain",
}

// ValidateUpload aplica, en orden: tamaño, nombre, extensión permitida,
// coherencia entre extensión y contenido sniffeado, y scan de payloads
// embebidos. Devuelve el primer rechazo; nil significa aceptado.
func (v *Validator) ValidateUpload(filename string, data []byte) error {
	if int64(len(data)) > v.maxUploadBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrUploadTooLarge, len(data), v.maxUploadBytes)
	}

	if _, err := v.Sanitize(filename, CtxFilename); err != nil {
		return err
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if _, ok := v.allowedTypes[ext]; !ok {
		return fmt.Errorf("%w: %q", ErrUploadForbiddenType, ext)
	}

	sniffed := http.DetectContentType(data)
	if want, ok := mimePrefix[ext]; ok && !strings.HasPrefix(sniffed, want) {
		// texto disfrazado es habitual: un .txt que sniffea como HTML es
		// exactamente el caso que queremos frenar
		return fmt.Errorf("%w: ext=%s sniffed=%s", ErrUploadTypeMismatch, ext, sniffed)
	}

	// scan de contenido: script embebido dentro de un contenedor permitido
	// (polyglots tipo PNG+<script>, PDFs con <?php, etc.)
	if v.rules.Match(CatMaliciousFile, string(data)) {
		return &MaliciousInputError{Category: CatMaliciousFile, Context: CtxFilename}
	}
	return nil
}
