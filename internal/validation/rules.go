// Package validation detecta payloads de inyección por patrones compilados.
//
// Limitación explícita, documentada y no silenciosa: la detección por
// patrones tiene falsos positivos y falsos negativos distintos de cero. Esto
// es defensa en profundidad junto a queries parametrizadas y prompts
// templados en la capa de negocio, no una garantía de completitud.
//
// Los patterns viven en una única tabla por categoría, cargada una vez y
// compartida por referencia: nada de listas duplicadas por componente que
// driftean entre sí.
package validation

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Category clasifica el tipo de payload malicioso detectado.
type Category string

const (
	CatSQLInjection    Category = "sql_injection"
	CatScriptInjection Category = "script_injection"
	CatPathTraversal   Category = "path_traversal"
	CatPromptInjection Category = "prompt_injection"
	CatMaliciousFile   Category = "malicious_file"
)

// RuleTable es la tabla compilada categoría → patterns. Inmutable tras carga.
type RuleTable struct {
	patterns map[Category][]*regexp.Regexp
}

// Sólo RE2 (lineal por construcción): ninguna entrada puede colgar el matcher.
var defaultRules = map[Category][]string{
	CatSQLInjection: {
		`(?i)('|")\s*(or|and)\s*('|")?\w*('|")?\s*=`,
		`(?i)\bunion\s+(all\s+)?select\b`,
		`(?i)\b(drop|truncate|alter)\s+(table|database|index)\b`,
		`(?i)\bdelete\s+from\b`,
		`(?i)\binsert\s+into\b[\s\S]*\bvalues\b`,
		`(?i);\s*(drop|delete|update|insert|grant|revoke|shutdown)\b`,
		`(?i)\b(exec|execute)\s+(xp_|sp_)\w+`,
		`(?i)\bselect\b[\s\S]{0,60}\bfrom\b[\s\S]{0,60}(--|#|/\*)`,
		`(?i)\bwaitfor\s+delay\b`,
		`(?i)\bor\s+1\s*=\s*1\b`,
	},
	CatScriptInjection: {
		`(?i)<\s*script[^>]*>`,
		`(?i)javascript\s*:`,
		`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=`,
		`(?i)<\s*(iframe|object|embed|applet)\b`,
		`(?i)\beval\s*\(`,
		`(?i)document\s*\.\s*(cookie|write|location)`,
		`(?i)\bsrcdoc\s*=`,
	},
	CatPathTraversal: {
		`\.\./`,
		`\.\.\\`,
		`(?i)%2e%2e(%2f|%5c)`,
		`(?i)%252e%252e`,
		`(?i)(^|[/\\])(etc[/\\](passwd|shadow|hosts)|proc[/\\]self)`,
		`(?i)^([a-z]:[/\\]|\\\\)`,
	},
	CatPromptInjection: {
		`(?i)\bignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`,
		`(?i)\bdisregard\s+(all\s+|your\s+)?(previous|prior|above|earlier|system)\b`,
		`(?i)\bforget\s+(all\s+|your\s+)?(previous|prior|earlier)\s+(instructions?|rules?)`,
		`(?i)\b(reveal|show|print|repeat|leak|output)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|hidden\s+(prompt|instructions?))`,
		`(?i)\byou\s+are\s+now\b.{0,40}\b(dan|jailbroken|unrestricted|developer\s+mode)`,
		`(?i)\bpretend\s+(you\s+are|to\s+be)\b.{0,60}\b(unrestricted|without\s+(restrictions|rules|filters))`,
		`(?i)\bact\s+as\s+(if\s+you\s+have\s+)?no\s+(restrictions|filters?|guardrails|rules)`,
		`(?i)\bnew\s+(system\s+)?instructions?\s*:`,
		`(?i)<\|?\s*(system|im_start|endoftext)\s*\|?>`,
		`(?i)\boverride\s+(the\s+)?(system|safety|previous)\b`,
	},
	CatMaliciousFile: {
		`(?i)<\s*script[^>]*>`,
		`(?i)<\?php`,
		`(?i)<%\s*(eval|execute|response)`,
		`(?i)powershell(\.exe)?\s+-(e|enc|encodedcommand)\b`,
		`(?i)\bbase64\s+-d\s*\|\s*(ba)?sh\b`,
	},
}

// NewRuleTable compila la tabla por defecto.
func NewRuleTable() *RuleTable {
	t, err := compile(defaultRules)
	if err != nil {
		// los defaults son constantes del paquete: un fallo acá es un bug
		panic(err)
	}
	return t
}

// LoadRuleTable compila defaults + patterns extra desde un YAML
// (categoría → lista de regex). Las categorías desconocidas se rechazan.
func LoadRuleTable(path string) (*RuleTable, error) {
	if path == "" {
		return NewRuleTable(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var extra map[Category][]string
	if err := yaml.Unmarshal(b, &extra); err != nil {
		return nil, fmt.Errorf("validation: parse rules %s: %w", path, err)
	}

	merged := make(map[Category][]string, len(defaultRules))
	for cat, ps := range defaultRules {
		merged[cat] = append([]string(nil), ps...)
	}
	for cat, ps := range extra {
		if _, ok := merged[cat]; !ok {
			return nil, fmt.Errorf("validation: unknown category %q in %s", cat, path)
		}
		merged[cat] = append(merged[cat], ps...)
	}
	return compile(merged)
}

func compile(src map[Category][]string) (*RuleTable, error) {
	t := &RuleTable{patterns: make(map[Category][]*regexp.Regexp, len(src))}
	for cat, ps := range src {
		for _, p := range ps {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("validation: compile %s pattern %q: %w", cat, p, err)
			}
			t.patterns[cat] = append(t.patterns[cat], re)
		}
	}
	return t, nil
}

// Match reporta si el input dispara algún pattern de la categoría.
func (t *RuleTable) Match(cat Category, s string) bool {
	for _, re := range t.patterns[cat] {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
