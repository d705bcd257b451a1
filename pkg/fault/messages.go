package fault

import "sync/atomic"

// Locale selects the catalogue used by UserMessage.
type Locale string

const (
	LocaleEnglish Locale = "en"
	LocalePersian Locale = "fa"
)

var catalogues = map[Locale]map[Kind]string{
	LocaleEnglish: {
		KindNetwork:    "Network error. Check your connection and try again.",
		KindTimeout:    "The server took too long to respond. Please try again.",
		KindHTTP:       "The server could not complete the request.",
		KindOffline:    "You are offline and this data is not available locally.",
		KindParse:      "The server returned an unreadable response.",
		KindConnection: "Live updates are unavailable. Use retry to reconnect.",
	},
	LocalePersian: {
		KindNetwork:    "خطای شبکه. اتصال خود را بررسی کرده و دوباره تلاش کنید.",
		KindTimeout:    "پاسخ سرور بیش از حد طول کشید. لطفا دوباره تلاش کنید.",
		KindHTTP:       "سرور نتوانست درخواست را انجام دهد.",
		KindOffline:    "شما آفلاین هستید و این داده به صورت محلی موجود نیست.",
		KindParse:      "پاسخ سرور قابل خواندن نیست.",
		KindConnection: "به‌روزرسانی زنده در دسترس نیست. برای اتصال مجدد تلاش کنید.",
	},
}

var currentLocale atomic.Value

func init() {
	currentLocale.Store(LocaleEnglish)
}

// SetLocale switches the catalogue used by UserMessage. Unknown locales
// fall back to English.
func SetLocale(l Locale) {
	if _, ok := catalogues[l]; !ok {
		l = LocaleEnglish
	}
	currentLocale.Store(l)
}

// UserMessage returns the localized message to show for this failure. For
// KindHTTP client errors the server-supplied message wins.
func (e *Error) UserMessage() string {
	if e.Kind == KindHTTP && e.Status >= 400 && e.Status < 500 && e.Message != "" {
		return e.Message
	}
	return MessageFor(e.Kind)
}

// MessageFor returns the localized message for a kind.
func MessageFor(kind Kind) string {
	l, _ := currentLocale.Load().(Locale)
	if msg, ok := catalogues[l][kind]; ok {
		return msg
	}
	return catalogues[LocaleEnglish][kind]
}
