package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is a deterministic template for one known carrier message format.
// The gate decides whether the message belongs to this format at all; the
// field expressions then pull out the structured values. Amount and currency
// are required, counterparty and reference are extracted when present.
type Rule struct {
	Name string

	gate    *regexp.Regexp
	amounts []*regexp.Regexp // named groups amt, cur; first match wins
	refs    []*regexp.Regexp
	names   []*regexp.Regexp
	phones  []*regexp.Regexp

	// requireRef makes the rule refuse to match without a reference, used
	// by the generic rule to avoid swallowing arbitrary text that merely
	// mentions an amount.
	requireRef bool
}

// Apply runs the rule against the text. Returns (nil, false, nil) when the
// rule does not recognize the message, and an error when the format matched
// but a field would not normalize.
func (r *Rule) Apply(text string) (*Candidate, bool, error) {
	if !r.gate.MatchString(text) {
		return nil, false, nil
	}

	amt, cur := firstAmount(r.amounts, text)
	if amt == "" {
		return nil, false, nil
	}

	ref := firstGroup(r.refs, text)
	if r.requireRef && ref == "" {
		return nil, false, nil
	}

	amountMinor, err := ParseAmountMinor(amt, cur)
	if err != nil {
		return nil, false, fmt.Errorf("amount %q: %w", amt, err)
	}

	return &Candidate{
		AmountMinor: amountMinor,
		Currency:    strings.ToUpper(cur),
		PayerName:   cleanName(firstGroup(r.names, text)),
		PayerPhone:  cleanPhone(firstGroup(r.phones, text)),
		Reference:   strings.TrimRight(ref, ".,"),
	}, true, nil
}

// Shared field expressions across carrier formats.
var (
	// TxId: 8399201 / Transaction Id 8399201 / Financial Transaction Id: 8399201
	reTxID = regexp.MustCompile(`(?i)(?:financial\s+transaction\s+id|transaction\s+id|txid)\s*[:#]?\s*([A-Za-z0-9]+)`)

	// Ref: AM230915.145
	reRef = regexp.MustCompile(`(?i)\bref(?:erence)?\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9.\-]*)`)

	// +250788000000, 0788123456
	rePhone = regexp.MustCompile(`(\+\d{9,13}|0\d{9})`)

	// A personal or business name, stopped at parentheses, punctuation, or
	// carrier filler words.
	nameTail = `([A-Za-z][A-Za-z'.-]*(?:\s+[A-Za-z][A-Za-z'.-]*)*?)(?:\s*\(|\s+\d|\s+on\b|\s+at\b|\s+ha[sv]e?\b|,|\.|$)`

	reFromName = regexp.MustCompile(`(?i)\bfrom\s+` + nameTail)
	reToName   = regexp.MustCompile(`(?i)\b(?:to|by)\s+` + nameTail)

	// 50,000 RWF
	reAmountThenCur = regexp.MustCompile(`(?P<amt>\d[\d,]*(?:\.\d{1,2})?)\s*(?P<cur>[A-Z]{3})\b`)
	// RWF 25,000
	reCurThenAmount = regexp.MustCompile(`\b(?P<cur>[A-Z]{3})\s*(?P<amt>\d[\d,]*(?:\.\d{1,2})?)`)
)

// builtinRules returns the carrier templates, most specific first.
func builtinRules() []*Rule {
	return []*Rule{
		{
			// MTN MoMo credit notification:
			// "TxId: 8399201. You have received 50,000 RWF from Jean-Paul
			// Mugenzi (+250788000000) on your mobile money account."
			Name:    "mtn_momo_received",
			gate:    regexp.MustCompile(`(?i)you have received`),
			amounts: []*regexp.Regexp{regexp.MustCompile(`(?i)received\s+(?P<amt>\d[\d,]*(?:\.\d{1,2})?)\s*(?P<cur>[A-Z]{3})`)},
			refs:    []*regexp.Regexp{reTxID},
			names:   []*regexp.Regexp{reFromName},
			phones:  []*regexp.Regexp{rePhone},
		},
		{
			// MTN MoMo debit/payment confirmation:
			// "Y'ello! Your payment of 5,000 RWF to Kigali SACCO has been
			// completed. TxId: 91120034."
			Name:    "mtn_momo_payment",
			gate:    regexp.MustCompile(`(?i)(?:your payment of|a transaction of)`),
			amounts: []*regexp.Regexp{regexp.MustCompile(`(?i)(?:payment|transaction)\s+of\s+(?P<amt>\d[\d,]*(?:\.\d{1,2})?)\s*(?P<cur>[A-Z]{3})`)},
			refs:    []*regexp.Regexp{reTxID},
			names:   []*regexp.Regexp{reToName},
			phones:  []*regexp.Regexp{rePhone},
		},
		{
			// Airtel Money credit notification, currency-first amounts:
			// "You have received RWF 25,000 from JANE UWASE 0788123456.
			// Ref: AM230915.145. Airtel Money."
			Name:    "airtel_money_received",
			gate:    regexp.MustCompile(`(?i)airtel\s*money`),
			amounts: []*regexp.Regexp{reCurThenAmount, reAmountThenCur},
			refs:    []*regexp.Regexp{reRef, reTxID},
			names:   []*regexp.Regexp{reFromName, reToName},
			phones:  []*regexp.Regexp{rePhone},
		},
		{
			// Last-resort deterministic rule: any message carrying both an
			// explicit reference and an amount with currency.
			Name:       "generic_reference",
			gate:       regexp.MustCompile(`(?i)\b(?:ref(?:erence)?|txid|transaction\s+id)\b`),
			amounts:    []*regexp.Regexp{reAmountThenCur, reCurThenAmount},
			refs:       []*regexp.Regexp{reTxID, reRef},
			names:      []*regexp.Regexp{reFromName, reToName},
			phones:     []*regexp.Regexp{rePhone},
			requireRef: true,
		},
	}
}

// currencyExponents maps ISO currency codes to their minor-unit exponent.
// East African mobile-money currencies without minor units are listed
// explicitly; everything else defaults to 2.
var currencyExponents = map[string]int{
	"RWF": 0,
	"UGX": 0,
	"BIF": 0,
	"XAF": 0,
	"XOF": 0,
}

func exponentFor(currency string) int {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ParseAmountMinor converts a human-formatted amount string ("50,000" or
// "1,250.50") into integer minor units for the given currency. Floats are
// never involved.
func ParseAmountMinor(s, currency string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}

	exp := exponentFor(currency)
	if len(frac) > exp {
		return 0, fmt.Errorf("%s does not allow %d decimal places", strings.ToUpper(currency), len(frac))
	}
	for len(frac) < exp {
		frac += "0"
	}

	var minor int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character %q", c)
		}
		minor = minor*10 + int64(c-'0')
		if minor < 0 {
			return 0, fmt.Errorf("amount overflows")
		}
	}
	if minor == 0 {
		return 0, fmt.Errorf("amount is zero")
	}
	return minor, nil
}

func firstAmount(patterns []*regexp.Regexp, text string) (amt, cur string) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		for i, name := range re.SubexpNames() {
			switch name {
			case "amt":
				amt = m[i]
			case "cur":
				cur = m[i]
			}
		}
		if amt != "" && cur != "" {
			return amt, cur
		}
		amt, cur = "", ""
	}
	return "", ""
}

func firstGroup(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil && m[1] != "" {
			return m[1]
		}
	}
	return ""
}

func cleanName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .,")
}

func cleanPhone(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c == '+' || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}
