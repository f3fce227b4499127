package knowledge

import (
	"fmt"
	"strings"
)

const toolDescription = "Search ARTEK knowledge base for information about R&D centers, design centers, " +
	"consultancy services, statistics, and more. Use this tool when the user asks questions about ARTEK " +
	"services, centers, or statistics."

type messages struct {
	noResults       string
	resultsHeader   string
	resultsCount    func(n int) string
	dataFilesHeader string
	matchScore      func(filename string, score float64) string
	searchError     func(msg string) string
}

var localized = map[string]messages{
	"tr": {
		noResults:       "Üzgünüm, bu konuda bilgi bulamadım.",
		resultsHeader:   "\n\n**Bulduğum Bilgiler:**\n",
		resultsCount:    func(n int) string { return fmt.Sprintf("%d kaynak dosyadan bilgi toplandı.\n", n) },
		dataFilesHeader: "\n**Veri Dosyaları:**\n",
		matchScore: func(filename string, score float64) string {
			return fmt.Sprintf("%s (eşleşme: %.1f%%)", filename, score)
		},
		searchError: func(msg string) string {
			return fmt.Sprintf("Bilgi tabanı aramasında bir sorun oluştu (%s). Lütfen genel bilgilerimle yardımcı olmaya devam edeyim.", msg)
		},
	},
	"en": {
		noResults:       "Sorry, I could not find information about this topic.",
		resultsHeader:   "\n\n**Information Found:**\n",
		resultsCount:    func(n int) string { return fmt.Sprintf("Information gathered from %d source files.\n", n) },
		dataFilesHeader: "\n**Data Files:**\n",
		matchScore: func(filename string, score float64) string {
			return fmt.Sprintf("%s (match: %.1f%%)", filename, score)
		},
		searchError: func(msg string) string {
			return fmt.Sprintf("There was an issue with the knowledge base search (%s). Let me continue helping you with my general knowledge.", msg)
		},
	},
}

// messagesFor falls back to Turkish for unknown locales.
func messagesFor(locale string) messages {
	if m, ok := localized[strings.ToLower(strings.TrimSpace(locale))]; ok {
		return m
	}
	return localized["tr"]
}
