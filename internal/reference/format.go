package reference

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders PREFIX/YEAR/NNNNN or PREFIX/N references.
type Format struct {
	Prefix    string
	UseYear   bool
	MinDigits int
}

func (f Format) Render(n Number, year int) string {
	digits := f.MinDigits
	if digits <= 0 {
		digits = 1
	}
	num := fmt.Sprintf("%0*d", digits, n)
	if f.UseYear {
		return strings.Join([]string{f.Prefix, strconv.Itoa(year), num}, "/")
	}
	return strings.Join([]string{f.Prefix, num}, "/")
}

const checkDigits = "ABCDEFGHXJKLM"

// CheckDigit is the mod-13 letter appended to licence numbers.
func CheckDigit(n Number) byte {
	return checkDigits[int64(n)%13]
}

// LicenceReference renders GBxxxNNNNNNNa for electronic licences and NNNNNNNa for paper ones.
func LicenceReference(category string, n Number, electronic bool) string {
	seq := fmt.Sprintf("%07d%c", n, CheckDigit(n))
	if !electronic {
		return seq
	}
	return "GB" + category + seq
}

// VariationReference appends the variation count to the PREFIX/YEAR/NNNNN part of ref.
// Zero variations leave the reference as it was issued.
func VariationReference(ref string, variations int) string {
	sections := strings.Split(ref, "/")
	if len(sections) > 3 {
		sections = sections[:3]
	}
	if variations > 0 {
		sections = append(sections, strconv.Itoa(variations))
	}
	return strings.Join(sections, "/")
}
