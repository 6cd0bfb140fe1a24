package validation

import (
	"fmt"
	"strings"

	"github.com/dropDatabas3/gatekeeper/internal/config"
)

// InputContext indica dónde va a terminar el input; cada contexto activa un
// subconjunto distinto de categorías.
type InputContext string

const (
	CtxDatabase   InputContext = "database"   // fragmentos destinados a queries
	CtxPrompt     InputContext = "prompt"     // texto hacia un modelo de lenguaje
	CtxFilename   InputContext = "filename"   // nombres de archivo provistos por el cliente
	CtxIdentifier InputContext = "identifier" // ids, slugs, claves de recurso
	CtxFreeform   InputContext = "freeform"   // texto libre que se re-renderiza
)

// contextCategories define qué categorías se evalúan por contexto. El orden
// importa: la primera que matchea define la categoría reportada.
var contextCategories = map[InputContext][]Category{
	CtxDatabase:   {CatSQLInjection, CatScriptInjection},
	CtxPrompt:     {CatPromptInjection, CatScriptInjection},
	CtxFilename:   {CatPathTraversal, CatMaliciousFile},
	CtxIdentifier: {CatSQLInjection, CatPathTraversal},
	CtxFreeform:   {CatScriptInjection},
}

// MaliciousInputError clasifica un rechazo por contenido. El mensaje nunca
// incluye el payload: los inputs rechazados no se re-loggean crudos.
type MaliciousInputError struct {
	Category Category
	Context  InputContext
}

func (e *MaliciousInputError) Error() string {
	return fmt.Sprintf("validation: %s detected in %s input", e.Category, e.Context)
}

// Validator aplica chequeos estructurales y la tabla de patterns por contexto.
type Validator struct {
	rules *RuleTable

	maxPromptLen   int
	maxFieldLen    int
	maxFilenameLen int

	maxUploadBytes int64
	allowedTypes   map[string]struct{}
}

// New arma el Validator con la tabla por defecto más los patterns extra del
// archivo configurado, si hay.
func New(cfg *config.Config) (*Validator, error) {
	rules, err := LoadRuleTable(cfg.Validation.RulesPath)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(cfg.Validation.Upload.AllowedTypes))
	for _, t := range cfg.Validation.Upload.AllowedTypes {
		allowed[strings.ToLower(strings.TrimPrefix(t, "."))] = struct{}{}
	}
	return &Validator{
		rules:          rules,
		maxPromptLen:   cfg.Validation.MaxPromptLen,
		maxFieldLen:    cfg.Validation.MaxFieldLen,
		maxFilenameLen: cfg.Validation.MaxFilenameLen,
		maxUploadBytes: cfg.Validation.Upload.MaxSizeBytes,
		allowedTypes:   allowed,
	}, nil
}

// Sanitize valida el input para el contexto dado y devuelve la forma
// saneada (trim + normalización de fin de línea). Con contenido malicioso
// devuelve *MaliciousInputError; el input nunca se modifica para "limpiarlo",
// se rechaza entero.
func (v *Validator) Sanitize(input string, ictx InputContext) (string, error) {
	if err := v.structural(input, ictx); err != nil {
		return "", err
	}
	for _, cat := range contextCategories[ictx] {
		if v.rules.Match(cat, input) {
			return "", &MaliciousInputError{Category: cat, Context: ictx}
		}
	}
	out := strings.TrimSpace(input)
	out = strings.ReplaceAll(out, "\r\n", "\n")
	return out, nil
}

// structural corre los pre-chequeos baratos que no necesitan regex: largo,
// bytes NUL, caracteres de control y balance de comillas. Cortar acá evita
// pasarle inputs gigantes o binarios al matcher.
func (v *Validator) structural(input string, ictx InputContext) error {
	if strings.ContainsRune(input, 0) {
		return &MaliciousInputError{Category: primaryCategory(ictx), Context: ictx}
	}

	max := v.maxFieldLen
	switch ictx {
	case CtxPrompt, CtxFreeform:
		max = v.maxPromptLen
	case CtxFilename:
		max = v.maxFilenameLen
	}
	if max > 0 && len(input) > max {
		return fmt.Errorf("validation: %s input exceeds %d bytes", ictx, max)
	}

	switch ictx {
	case CtxDatabase:
		// comillas desbalanceadas en un fragmento de query son señal de
		// intento de escape del literal
		if strings.Count(input, "'")%2 != 0 || strings.Count(input, `"`)%2 != 0 {
			return &MaliciousInputError{Category: CatSQLInjection, Context: ictx}
		}
	case CtxFilename, CtxIdentifier:
		for _, r := range input {
			if r < 0x20 || r == 0x7f {
				return &MaliciousInputError{Category: primaryCategory(ictx), Context: ictx}
			}
		}
	}
	return nil
}

// primaryCategory es la categoría que se reporta cuando el rechazo es
// estructural y no lo disparó un pattern concreto.
func primaryCategory(ictx InputContext) Category {
	cats := contextCategories[ictx]
	if len(cats) == 0 {
		return CatScriptInjection
	}
	return cats[0]
}
