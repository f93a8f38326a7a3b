// dim.go - Symbolische Tensor-Dimensionen
// Enthält: Dim (Polynom ueber benannten Shape-Variablen mit rationalen Koeffizienten),
// Substitution, Normalform und strukturelle Gleichheit.

package ml

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Dim is a tensor dimension: either a constant or an arithmetic expression
// over named shape variables. Values are kept in a canonical sum-of-terms
// form, so two expressions that only differ in how they were written
// (n*2 and n+n) compare equal.
type Dim struct {
	terms []term
}

// term is coef * vars[0] * vars[1] * ...; vars is sorted and empty for the
// constant term, den is positive and coprime to num.
type term struct {
	vars []string
	num  int64
	den  int64
}

func (t term) key() string {
	return strings.Join(t.vars, "*")
}

// Const returns the constant dimension n.
func Const(n uint64) Dim {
	if n == 0 {
		return Dim{}
	}
	return Dim{terms: []term{{num: int64(n), den: 1}}}
}

// Var returns the dimension consisting of the single shape variable name.
func Var(name string) Dim {
	if name == "" {
		panic("ml: empty shape variable name")
	}
	return Dim{terms: []term{{vars: []string{name}, num: 1, den: 1}}}
}

// Dims converts constant sizes into dimensions.
func Dims(ns ...uint64) []Dim {
	ds := make([]Dim, len(ns))
	for i, n := range ns {
		ds[i] = Const(n)
	}
	return ds
}

func (d Dim) Add(o Dim) Dim {
	return normalize(append(slices.Clone(d.terms), o.terms...))
}

func (d Dim) Sub(o Dim) Dim {
	ts := slices.Clone(d.terms)
	for _, t := range o.terms {
		t.num = -t.num
		ts = append(ts, t)
	}
	return normalize(ts)
}

func (d Dim) Mul(o Dim) Dim {
	ts := make([]term, 0, len(d.terms)*len(o.terms))
	for _, a := range d.terms {
		for _, b := range o.terms {
			vars := append(slices.Clone(a.vars), b.vars...)
			slices.Sort(vars)
			num, den := reduce(a.num*b.num, a.den*b.den)
			ts = append(ts, term{vars: vars, num: num, den: den})
		}
	}
	return normalize(ts)
}

// Div divides by a non-zero constant. The result may have fractional
// coefficients until a substitution makes it integral.
func (d Dim) Div(c uint64) Dim {
	if c == 0 {
		panic("ml: dimension divided by zero")
	}

	ts := make([]term, len(d.terms))
	for i, t := range d.terms {
		num, den := reduce(t.num, t.den*int64(c))
		ts[i] = term{vars: t.vars, num: num, den: den}
	}
	return normalize(ts)
}

// Substitute replaces every variable present in env by its value. Variables
// missing from env stay symbolic.
func (d Dim) Substitute(env map[string]uint64) Dim {
	ts := make([]term, 0, len(d.terms))
	for _, t := range d.terms {
		num, den := t.num, t.den
		var rest []string
		for _, v := range t.vars {
			if n, ok := env[v]; ok {
				num, den = reduce(num*int64(n), den)
			} else {
				rest = append(rest, v)
			}
		}
		ts = append(ts, term{vars: rest, num: num, den: den})
	}
	return normalize(ts)
}

// Value returns the dimension as a non-negative integer when it is constant.
func (d Dim) Value() (uint64, bool) {
	switch len(d.terms) {
	case 0:
		return 0, true
	case 1:
		t := d.terms[0]
		if len(t.vars) == 0 && t.den == 1 && t.num >= 0 {
			return uint64(t.num), true
		}
	}
	return 0, false
}

// IsConst reports whether the dimension has no free variables.
func (d Dim) IsConst() bool {
	return len(d.FreeVars()) == 0
}

// FreeVars returns the sorted set of variables the dimension depends on.
func (d Dim) FreeVars() []string {
	var vars []string
	for _, t := range d.terms {
		vars = append(vars, t.vars...)
	}
	slices.Sort(vars)
	return slices.Compact(vars)
}

// Equal reports structural equality of the canonical forms.
func (d Dim) Equal(o Dim) bool {
	return slices.EqualFunc(d.terms, o.terms, func(a, b term) bool {
		return a.num == b.num && a.den == b.den && slices.Equal(a.vars, b.vars)
	})
}

func (d Dim) String() string {
	if len(d.terms) == 0 {
		return "0"
	}

	var sb strings.Builder
	for i, t := range d.terms {
		num := t.num
		switch {
		case num < 0:
			sb.WriteString("-")
			num = -num
		case i > 0:
			sb.WriteString("+")
		}

		if len(t.vars) == 0 || num != 1 {
			fmt.Fprint(&sb, num)
			if len(t.vars) > 0 {
				sb.WriteString("*")
			}
		}
		sb.WriteString(t.key())
		if t.den != 1 {
			fmt.Fprintf(&sb, "/%d", t.den)
		}
	}
	return sb.String()
}

// normalize merges terms with equal monomials, drops zero terms and sorts
// by descending degree, then lexically.
func normalize(ts []term) Dim {
	merged := make(map[string]term, len(ts))
	for _, t := range ts {
		k := t.key()
		if prev, ok := merged[k]; ok {
			num, den := reduce(prev.num*t.den+t.num*prev.den, prev.den*t.den)
			t = term{vars: prev.vars, num: num, den: den}
		}
		merged[k] = t
	}

	out := make([]term, 0, len(merged))
	for _, t := range merged {
		if t.num != 0 {
			out = append(out, t)
		}
	}

	slices.SortFunc(out, func(a, b term) int {
		return cmp.Or(cmp.Compare(len(b.vars), len(a.vars)), cmp.Compare(a.key(), b.key()))
	})
	return Dim{terms: out}
}

func reduce(num, den int64) (int64, int64) {
	if den < 0 {
		num, den = -num, -den
	}
	g := gcd(abs(num), den)
	if g == 0 {
		return 0, 1
	}
	return num / g, den / g
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
