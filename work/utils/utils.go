package utils

import (
	"fmt"
	"net/url"
	"strings"

	"xtream-relay/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging,
// depending on the configured obfuscation flag. Provider URLs embed account
// credentials, so logs default to the obfuscated form in shared deployments.
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL masks the path, query and fragment of a URL, keeping only
// scheme and host.
//
// Example:
//
//	Input:  "http://example.com/live/user/pass/99.ts"
//	Output: "http://example.com/***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// SanitizeName converts a channel name into a URL- and metric-label-safe
// identifier: special characters become underscores and runs of underscores
// are collapsed.
func SanitizeName(name string) string {
	sanitized := name
	for _, c := range []string{" ", ",", "/", "\\", "?", "&", "=", ":", ";", "|", "*", "<", ">"} {
		sanitized = strings.ReplaceAll(sanitized, c, "_")
	}
	sanitized = strings.ReplaceAll(sanitized, "\"", "")
	sanitized = strings.ReplaceAll(sanitized, "'", "")

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return strings.Trim(sanitized, "_")
}

// FormatBytes renders a byte count in a human readable unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
