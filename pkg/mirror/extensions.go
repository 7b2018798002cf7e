package mirror

import (
	"sort"
	"strings"
)

// LegacyNotebookExtension is the old python notebook export suffix. It is
// always recognized in addition to the configured formats.
const LegacyNotebookExtension = ".py.ipynb"

// DefaultExportFormats maps notebook languages to their export extension.
func DefaultExportFormats() map[string]string {
	return map[string]string{
		"python": ".py",
		"sql":    ".sql",
		"scala":  ".scala",
		"r":      ".r",
	}
}

type extension struct {
	suffix   string // lower case, leading dot
	language string
}

// ExtensionMapper maps local file names to logical item names using the
// export-format table of a connection.
type ExtensionMapper struct {
	exts       []extension // longest suffix first
	byLanguage map[string]string
}

// NewExtensionMapper builds a mapper from a language -> extension table.
// Extensions without a leading dot get one.
func NewExtensionMapper(formats map[string]string) *ExtensionMapper {
	m := &ExtensionMapper{byLanguage: make(map[string]string, len(formats))}
	seen := make(map[string]bool)
	add := func(language, ext string) {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			return
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		language = strings.ToLower(language)
		if _, ok := m.byLanguage[language]; !ok {
			m.byLanguage[language] = ext
		}
		if seen[ext] {
			return
		}
		seen[ext] = true
		m.exts = append(m.exts, extension{suffix: ext, language: language})
	}

	languages := make([]string, 0, len(formats))
	for lang := range formats {
		languages = append(languages, lang)
	}
	sort.Strings(languages)
	for _, lang := range languages {
		add(lang, formats[lang])
	}
	add("python", LegacyNotebookExtension)

	sort.SliceStable(m.exts, func(a, b int) bool {
		return len(m.exts[a].suffix) > len(m.exts[b].suffix)
	})
	return m
}

// Match strips the longest known extension from name, case-insensitively.
// ok is false when no extension matches or nothing would remain.
func (m *ExtensionMapper) Match(name string) (stem, language string, ok bool) {
	lower := strings.ToLower(name)
	for _, e := range m.exts {
		if strings.HasSuffix(lower, e.suffix) && len(name) > len(e.suffix) {
			return name[:len(name)-len(e.suffix)], e.language, true
		}
	}
	return name, "", false
}

// StripKnownExtension maps a local file name to its logical item name.
// Names without a known extension are returned unchanged.
func (m *ExtensionMapper) StripKnownExtension(name string) string {
	stem, _, _ := m.Match(name)
	return stem
}

// Supported reports whether name carries a configured extension.
func (m *ExtensionMapper) Supported(name string) bool {
	_, _, ok := m.Match(name)
	return ok
}

// Extension returns the export extension for a notebook language.
func (m *ExtensionMapper) Extension(language string) (string, bool) {
	ext, ok := m.byLanguage[strings.ToLower(language)]
	return ext, ok
}

// LocalName returns the file name a remote notebook is exported under.
func (m *ExtensionMapper) LocalName(name, language string) string {
	if ext, ok := m.Extension(language); ok {
		return name + ext
	}
	return name
}
