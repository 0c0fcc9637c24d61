package regnum

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// D&B registration number type codes used by the default rules. They can be
// overridden per country through configuration.
const (
	TypeBECrossroadsBank  = 800
	TypeNLChamberCommerce = 6256
	TypeGBCompanyNumber   = 2541
	TypeFRSIREN           = 2081
	TypeFRSIRET           = 2080
	TypeDKCVR             = 1473
	TypeNOOrgNumber       = 1699
	TypeSEOrgNumber       = 1861
	TypeFIBusinessID      = 555
	TypeLUTradeRegister   = 1337
	TypeESCIF             = 2472
	TypeATFirmenbuch      = 1336
)

// DefaultRules returns a fresh copy of the built-in country rules.
// Switzerland and Italy have no rule: their source numbers are too
// inconsistent to format reliably.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"BE": {TypeCodes: []int{TypeBECrossroadsBank}, Format: formatBE},
		"NL": {TypeCodes: []int{TypeNLChamberCommerce}, Format: formatNL},
		"GB": {TypeCodes: []int{TypeGBCompanyNumber}, Format: formatGB},
		"FR": {TypeCodes: []int{TypeFRSIREN, TypeFRSIRET}, Format: formatFR},
		"DK": {TypeCodes: []int{TypeDKCVR}, Format: fixedDigits(8)},
		"NO": {TypeCodes: []int{TypeNOOrgNumber}, Format: fixedDigits(9)},
		"SE": {TypeCodes: []int{TypeSEOrgNumber}, Format: formatSE},
		"FI": {TypeCodes: []int{TypeFIBusinessID}, Format: formatFI},
		"LU": {TypeCodes: []int{TypeLUTradeRegister}, Format: formatLU},
		"ES": {TypeCodes: []int{TypeESCIF}, Format: formatES},
		"AT": {TypeCodes: []int{TypeATFirmenbuch}, Format: formatAT},
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func alnumUpper(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	// Casers are stateful, so one per call.
	return cases.Upper(language.Und).String(b.String())
}

// formatBE: 1234.567.89 / 0403.170.701
func formatBE(s string) (string, bool) {
	d := digitsOnly(s)
	if len(d) != 9 && len(d) != 10 {
		return "", false
	}
	return d[:4] + "." + d[4:7] + "." + d[7:], true
}

// formatNL zero-pads the KvK number to 8 digits; a 12-digit branch number is
// cut back to the KvK number.
func formatNL(s string) (string, bool) {
	d := digitsOnly(s)
	switch {
	case len(d) == 0:
		return "", false
	case len(d) <= 8:
		return strings.Repeat("0", 8-len(d)) + d, true
	case len(d) == 12:
		return d[:8], true
	default:
		return "", false
	}
}

// formatGB: 01234567 or SC123456
func formatGB(s string) (string, bool) {
	v := alnumUpper(s)
	if v == "" || len(v) > 8 {
		return "", false
	}
	if d := digitsOnly(v); d == v {
		return strings.Repeat("0", 8-len(v)) + v, true
	}
	if len(v) < 3 || !unicode.IsLetter(rune(v[0])) || !unicode.IsLetter(rune(v[1])) {
		return "", false
	}
	prefix, rest := v[:2], v[2:]
	if digitsOnly(rest) != rest {
		return "", false
	}
	return prefix + strings.Repeat("0", 6-len(rest)) + rest, true
}

// formatFR reduces a SIRET to its SIREN.
func formatFR(s string) (string, bool) {
	d := digitsOnly(s)
	switch len(d) {
	case 9:
		return d, true
	case 14:
		return d[:9], true
	default:
		return "", false
	}
}

func fixedDigits(n int) func(string) (string, bool) {
	return func(s string) (string, bool) {
		d := digitsOnly(s)
		if len(d) != n {
			return "", false
		}
		return d, true
	}
}

// formatSE: 556012-5790; a 12-digit number carries the century first.
func formatSE(s string) (string, bool) {
	d := digitsOnly(s)
	if len(d) == 12 {
		d = d[2:]
	}
	if len(d) != 10 {
		return "", false
	}
	return d[:6] + "-" + d[6:], true
}

// formatFI: 1234567-8
func formatFI(s string) (string, bool) {
	d := digitsOnly(s)
	if len(d) != 8 {
		return "", false
	}
	return d[:7] + "-" + d[7:], true
}

// formatLU: B123456
func formatLU(s string) (string, bool) {
	v := alnumUpper(s)
	v = strings.TrimPrefix(v, "RCS")
	v = strings.TrimPrefix(v, "B")
	if v == "" || digitsOnly(v) != v {
		return "", false
	}
	return "B" + v, true
}

// formatES: A12345678
func formatES(s string) (string, bool) {
	v := alnumUpper(s)
	v = strings.TrimPrefix(v, "ES")
	if len(v) != 9 {
		return "", false
	}
	return v, true
}

// formatAT strips the FN prefix and lower-cases the check letter: 123456a
func formatAT(s string) (string, bool) {
	v := alnumUpper(s)
	v = strings.TrimPrefix(v, "FN")
	if len(v) < 2 {
		return "", false
	}
	num, check := v[:len(v)-1], v[len(v)-1:]
	if digitsOnly(num) != num || !unicode.IsLetter(rune(check[0])) {
		return "", false
	}
	return num + strings.ToLower(check), true
}
