package gateway

import (
	"fmt"
	"strings"
)

type errorMessages struct {
	invalidRequest      string
	requestBodyTooLarge string
	invalidJSON         string
	validationFailed    string
	turnstileMissing    string
	turnstileFailed     string
	endpointNotFound    string
	methodNotAllowed    string
	rateLimitExceeded   string
	upstreamError       string
	tokenQuotaExceeded  string
	internalError       string
	unexpectedError     string
	emptyResponse       string
	integrityViolation  string
}

type validationMessages struct {
	validationSummary     string
	messagesRequired      string
	messagesArrayRequired string
	messagesEmpty         string
	messagesLimitExceeded func(limit int) string

	messageObjectRequired func(i int) string
	roleRequired          func(i int) string
	roleInvalid           func(i int) string
	lastMessageMustBeUser func(i int) string
	contentRequired       func(i int) string
	contentStringRequired func(i int) string
	contentEmpty          func(i int) string
	contentTooLong        func(i int, limit int) string

	streamBooleanRequired string
	streamNotSupported    string

	maxTokensNumberRequired string
	maxTokensMinimum        string
	maxTokensExceeded       func(limit int) string

	temperatureNumberRequired string
	temperatureOutOfRange     func(min float64, max float64) string
}

type translations struct {
	errors     errorMessages
	validation validationMessages
}

var catalog = map[string]translations{
	"tr": {
		errors: errorMessages{
			invalidRequest:      "Geçersiz istek",
			requestBodyTooLarge: "İstek boyutu çok büyük",
			invalidJSON:         "Geçersiz JSON formatı",
			validationFailed:    "İstek doğrulaması başarısız",
			turnstileMissing:    "Güvenlik doğrulama kodu eksik",
			turnstileFailed:     "Güvenlik doğrulaması başarısız. Lütfen sayfayı yenileyin",
			endpointNotFound:    "Endpoint bulunamadı. POST /api/v1/chat/completions kullanın",
			methodNotAllowed:    "Sadece POST ve OPTIONS istekleri kabul edilir",
			rateLimitExceeded:   "İstek limiti aşıldı. Lütfen daha sonra tekrar deneyin",
			upstreamError:       "AI servis hatası",
			tokenQuotaExceeded:  "Günlük token limiti aşıldı. Lütfen yarın tekrar deneyin",
			internalError:       "Sunucu hatası oluştu",
			unexpectedError:     "Beklenmeyen bir hata oluştu",
			emptyResponse:       "Üzgünüm, yanıt oluşturulamadı. Lütfen tekrar deneyin.",
			integrityViolation:  "Sohbet geçmişi doğrulanamadı. Lütfen sohbeti yeniden başlatın.",
		},
		validation: validationMessages{
			validationSummary:     "İstek doğrulaması başarısız",
			messagesRequired:      "messages alanı zorunludur",
			messagesArrayRequired: "messages bir dizi olmalıdır",
			messagesEmpty:         "messages dizisi en az bir mesaj içermelidir",
			messagesLimitExceeded: func(limit int) string { return fmt.Sprintf("messages dizisi maksimum %d mesaj içerebilir", limit) },

			messageObjectRequired: func(i int) string { return fmt.Sprintf("messages[%d] bir nesne olmalıdır", i) },
			roleRequired:          func(i int) string { return fmt.Sprintf("messages[%d].role zorunludur", i) },
			roleInvalid:           func(i int) string { return fmt.Sprintf(`messages[%d].role "user" veya "assistant" olmalıdır`, i) },
			lastMessageMustBeUser: func(i int) string { return fmt.Sprintf(`messages[%d].role son mesaj için "user" olmalıdır`, i) },
			contentRequired:       func(i int) string { return fmt.Sprintf("messages[%d].content zorunludur", i) },
			contentStringRequired: func(i int) string { return fmt.Sprintf("messages[%d].content bir metin olmalıdır", i) },
			contentEmpty:          func(i int) string { return fmt.Sprintf("messages[%d].content boş olamaz", i) },
			contentTooLong: func(i int, limit int) string {
				return fmt.Sprintf("messages[%d].content maksimum %d karakter olabilir", i, limit)
			},

			streamBooleanRequired: "stream bir boolean değer olmalıdır",
			streamNotSupported:    "Streaming şu anda desteklenmiyor",

			maxTokensNumberRequired: "max_tokens bir sayı olmalıdır",
			maxTokensMinimum:        "max_tokens en az 1 olmalıdır",
			maxTokensExceeded:       func(limit int) string { return fmt.Sprintf("max_tokens maksimum %d olabilir", limit) },

			temperatureNumberRequired: "temperature bir sayı olmalıdır",
			temperatureOutOfRange: func(min float64, max float64) string {
				return fmt.Sprintf("temperature %v ile %v arasında olmalıdır", min, max)
			},
		},
	},
	"en": {
		errors: errorMessages{
			invalidRequest:      "Invalid request",
			requestBodyTooLarge: "Request body too large",
			invalidJSON:         "Invalid JSON format",
			validationFailed:    "Request validation failed",
			turnstileMissing:    "Security verification code missing",
			turnstileFailed:     "Security verification failed. Please refresh the page",
			endpointNotFound:    "Endpoint not found. Use POST /api/v1/chat/completions",
			methodNotAllowed:    "Only POST and OPTIONS requests are allowed",
			rateLimitExceeded:   "Rate limit exceeded. Please try again later",
			upstreamError:       "AI service error",
			tokenQuotaExceeded:  "Daily token quota exceeded. Please try again tomorrow",
			internalError:       "Internal server error occurred",
			unexpectedError:     "An unexpected error occurred",
			emptyResponse:       "Sorry, unable to generate a response. Please try again.",
			integrityViolation:  "Chat history could not be verified. Please restart the conversation.",
		},
		validation: validationMessages{
			validationSummary:     "Request validation failed",
			messagesRequired:      "messages field is required",
			messagesArrayRequired: "messages must be an array",
			messagesEmpty:         "messages array must contain at least one message",
			messagesLimitExceeded: func(limit int) string { return fmt.Sprintf("messages array cannot exceed %d messages", limit) },

			messageObjectRequired: func(i int) string { return fmt.Sprintf("messages[%d] must be an object", i) },
			roleRequired:          func(i int) string { return fmt.Sprintf("messages[%d].role is required", i) },
			roleInvalid:           func(i int) string { return fmt.Sprintf(`messages[%d].role must be "user" or "assistant"`, i) },
			lastMessageMustBeUser: func(i int) string { return fmt.Sprintf(`messages[%d].role must be "user" for the last message`, i) },
			contentRequired:       func(i int) string { return fmt.Sprintf("messages[%d].content is required", i) },
			contentStringRequired: func(i int) string { return fmt.Sprintf("messages[%d].content must be a string", i) },
			contentEmpty:          func(i int) string { return fmt.Sprintf("messages[%d].content cannot be empty", i) },
			contentTooLong: func(i int, limit int) string {
				return fmt.Sprintf("messages[%d].content cannot exceed %d characters", i, limit)
			},

			streamBooleanRequired: "stream must be a boolean",
			streamNotSupported:    "Streaming is not currently supported",

			maxTokensNumberRequired: "max_tokens must be a number",
			maxTokensMinimum:        "max_tokens must be at least 1",
			maxTokensExceeded:       func(limit int) string { return fmt.Sprintf("max_tokens cannot exceed %d", limit) },

			temperatureNumberRequired: "temperature must be a number",
			temperatureOutOfRange: func(min float64, max float64) string {
				return fmt.Sprintf("temperature must be between %v and %v", min, max)
			},
		},
	},
}

// translationsFor falls back to Turkish.
func translationsFor(locale string) translations {
	if t, ok := catalog[strings.ToLower(strings.TrimSpace(locale))]; ok {
		return t
	}
	return catalog["tr"]
}
