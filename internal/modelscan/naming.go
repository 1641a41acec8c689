package modelscan

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Quantization tokens as they commonly appear in release filenames.
	quantRe = regexp.MustCompile(`(?i)\b(IQ\d+_[A-Z]+|Q\d+_K_[SML]|Q\d+_K|Q\d+_\d+|Q\d+|BF16|F16|F32)\b`)
	// Parameter-count tokens like 7B, 0.5b, 70B.
	paramRe = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)b\b`)

	// Dots, dashes and whitespace separate name tokens; underscores stay,
	// they belong to quantization tokens like Q4_K_M.
	idSepRe    = regexp.MustCompile(`[^a-z0-9_]+`)
	dispSepRe  = regexp.MustCompile(`[-.\s]+`)
	trailSepRe = regexp.MustCompile(`^[-_.\s]+|[-_.\s]+$`)
)

// NameInfo holds everything recoverable from a model filename alone.
type NameInfo struct {
	ID          string
	DisplayName string
	Quant       string
	Params      string
	Aliases     []string
}

// ParseName derives identity and compatibility aliases from a model file
// path. The ID keeps the whole stem so two quantizations of the same model
// stay distinct; aliases deliberately drop the quantization so clients can
// name the model without caring which variant is on disk.
func ParseName(path string) NameInfo {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	info := NameInfo{
		ID: normalizeID(stem),
	}
	if m := quantRe.FindString(stem); m != "" {
		info.Quant = strings.ToUpper(m)
	}
	if m := paramRe.FindStringSubmatch(stem); m != nil {
		info.Params = strings.ToLower(m[1]) + "b"
	}
	info.DisplayName = displayName(stem)

	cleaned := normalizeID(trailSepRe.ReplaceAllString(quantRe.ReplaceAllString(stem, ""), ""))
	if cleaned != "" && cleaned != info.ID {
		info.Aliases = append(info.Aliases, cleaned)
	}
	if info.Params != "" {
		family := strings.SplitN(cleaned, "-", 2)[0]
		if family == "" {
			family = strings.SplitN(info.ID, "-", 2)[0]
		}
		bucket := family + "-" + info.Params
		if bucket != info.ID && bucket != cleaned {
			info.Aliases = append(info.Aliases, bucket)
		}
	}
	return info
}

func normalizeID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = idSepRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func displayName(stem string) string {
	words := dispSepRe.Split(stem, -1)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}
