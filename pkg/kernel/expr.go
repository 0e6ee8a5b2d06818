// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"slices"
	"strings"
)

// Var is a loop variable: it takes the values [0, Extent).
type Var struct {
	Name   string
	Extent int
	id     int
}

// String implements fmt.Stringer.
func (v *Var) String() string { return v.Name }

// Expr returns the expression "v".
func (v *Var) Expr() Expr { return v.Scale(1) }

// Scale returns the expression "coef*v".
func (v *Var) Scale(coef int) Expr {
	if coef == 0 {
		return Expr{}
	}
	return Expr{Terms: []Term{{Var: v, Coef: coef}}}
}

// Term of an affine expression: Coef*Var.
type Term struct {
	Var  *Var
	Coef int
}

// Expr is an affine expression over loop variables: Const + Σ Coef*Var.
// Index expressions and region offsets (in elements) are Expr.
//
// The zero value is the constant 0. Exprs are immutable: operations return new values.
type Expr struct {
	Const int
	Terms []Term
}

// Const returns the constant expression c.
func Const(c int) Expr { return Expr{Const: c} }

// Sum returns the sum of the expressions.
func Sum(exprs ...Expr) Expr {
	var e Expr
	for _, e2 := range exprs {
		e = e.Add(e2)
	}
	return e
}

// Add returns e + e2. Terms are kept sorted by variable creation order, and zero terms are dropped.
func (e Expr) Add(e2 Expr) Expr {
	result := Expr{Const: e.Const + e2.Const}
	terms := make([]Term, 0, len(e.Terms)+len(e2.Terms))
	terms = append(terms, e.Terms...)
	terms = append(terms, e2.Terms...)
	slices.SortStableFunc(terms, func(a, b Term) int { return a.Var.id - b.Var.id })
	for _, term := range terms {
		if n := len(result.Terms); n > 0 && result.Terms[n-1].Var == term.Var {
			result.Terms[n-1].Coef += term.Coef
			if result.Terms[n-1].Coef == 0 {
				result.Terms = result.Terms[:n-1]
			}
			continue
		}
		if term.Coef != 0 {
			result.Terms = append(result.Terms, term)
		}
	}
	return result
}

// Plus returns e + c.
func (e Expr) Plus(c int) Expr {
	return Expr{Const: e.Const + c, Terms: e.Terms}
}

// Scale returns k*e.
func (e Expr) Scale(k int) Expr {
	if k == 0 {
		return Expr{}
	}
	result := Expr{Const: e.Const * k, Terms: make([]Term, len(e.Terms))}
	for i, term := range e.Terms {
		result.Terms[i] = Term{Var: term.Var, Coef: term.Coef * k}
	}
	return result
}

// IsConst returns whether the expression doesn't depend on any variable.
func (e Expr) IsConst() bool { return len(e.Terms) == 0 }

// Env holds the current value of the loop variables.
type Env map[*Var]int

// Eval evaluates the expression. Variables not set in env evaluate to 0.
func (e Expr) Eval(env Env) int {
	value := e.Const
	for _, term := range e.Terms {
		value += term.Coef * env[term.Var]
	}
	return value
}

// Range returns the min and max values the expression takes over all values of its variables.
func (e Expr) Range() (minValue, maxValue int) {
	minValue, maxValue = e.Const, e.Const
	for _, term := range e.Terms {
		last := term.Coef * (term.Var.Extent - 1)
		if last > 0 {
			maxValue += last
		} else {
			minValue += last
		}
	}
	return
}

// String implements fmt.Stringer.
func (e Expr) String() string {
	var parts []string
	for _, term := range e.Terms {
		switch term.Coef {
		case 1:
			parts = append(parts, term.Var.Name)
		case -1:
			parts = append(parts, "-"+term.Var.Name)
		default:
			parts = append(parts, fmt.Sprintf("%d*%s", term.Coef, term.Var.Name))
		}
	}
	if e.Const != 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d", e.Const))
	}
	return strings.ReplaceAll(strings.Join(parts, " + "), "+ -", "- ")
}

// Cond is the condition "Var == Value" of an If statement.
type Cond struct {
	Var   *Var
	Value int
}

// First returns the condition of the first iteration of the loop variable v.
func First(v *Var) Cond { return Cond{Var: v, Value: 0} }

// Eval evaluates the condition.
func (c Cond) Eval(env Env) bool { return env[c.Var] == c.Value }

// String implements fmt.Stringer.
func (c Cond) String() string { return fmt.Sprintf("%s == %d", c.Var.Name, c.Value) }
