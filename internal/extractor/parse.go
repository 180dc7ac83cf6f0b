package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// euAmount matches amounts written with '.' thousands and ',' decimals.
var euAmount = regexp.MustCompile(`\d{1,3}(?:\.\d{3})*(?:,\d{2})?`)

// ParsePrice extracts the first amount from text such as "1.299,00 €".
func ParsePrice(text string) (float64, error) {
	m := euAmount.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("%w: %q", ErrNoAmount, text)
	}
	m = strings.ReplaceAll(m, ".", "")
	m = strings.ReplaceAll(m, ",", ".")
	return strconv.ParseFloat(m, 64)
}
