// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package cpsat provides a constraint model for disjunctive scheduling
// problems and a budgeted search over it: integer variables, Boolean
// literals, fixed and optional interval variables, linear constraints with
// enforcement literals, exactly-one, no-overlap, max-equality, and linear
// minimization.
//
// The modelling API mirrors the CP-SAT surface the scheduler needs so the
// solver adapter stays swappable for a full CP backend. The solver is not a
// general CP-SAT: it proves infeasibility only through bound propagation and
// otherwise searches with seeded greedy placement plus a max-gap repair
// loop, keeping the best objective value found inside the time budget.
package cpsat

import (
	"fmt"
)

// Bounds treated as "no limit" in linear constraints. Kept far from the int
// range so constraint arithmetic cannot overflow.
const (
	noUpper = int(1) << 40
	noLower = -noUpper
)

// IntVar is a handle to an integer decision variable.
type IntVar struct {
	id   int
	name string
}

// Name returns the variable's model name.
func (v *IntVar) Name() string { return v.name }

// Lit returns the positive literal of a Boolean variable.
func (v *IntVar) Lit() Literal { return Literal{v: v} }

// Not returns the negated literal of a Boolean variable.
func (v *IntVar) Not() Literal { return Literal{v: v, negated: true} }

// Literal is a Boolean variable or its negation, used for optional interval
// presence and constraint enforcement.
type Literal struct {
	v       *IntVar
	negated bool
}

// Var returns the underlying Boolean variable.
func (l Literal) Var() *IntVar { return l.v }

// Negated reports whether the literal is the negation of its variable.
func (l Literal) Negated() bool { return l.negated }

type term struct {
	v    *IntVar
	coef int
}

// LinearExpr is an integer linear expression over model variables.
type LinearExpr struct {
	terms  []term
	offset int
}

// Var lifts a variable into a linear expression.
func Var(v *IntVar) LinearExpr {
	return LinearExpr{terms: []term{{v: v, coef: 1}}}
}

// Sum returns the sum of the given variables.
func Sum(vars ...*IntVar) LinearExpr {
	e := LinearExpr{terms: make([]term, 0, len(vars))}
	for _, v := range vars {
		e.terms = append(e.terms, term{v: v, coef: 1})
	}
	return e
}

// Minus returns a - b.
func Minus(a, b *IntVar) LinearExpr {
	return LinearExpr{terms: []term{{v: a, coef: 1}, {v: b, coef: -1}}}
}

// AddTerm returns the expression extended by coef*v.
func (e LinearExpr) AddTerm(v *IntVar, coef int) LinearExpr {
	ne := LinearExpr{terms: make([]term, len(e.terms), len(e.terms)+1), offset: e.offset}
	copy(ne.terms, e.terms)
	ne.terms = append(ne.terms, term{v: v, coef: coef})
	return ne
}

// Offset returns the expression shifted by the constant c.
func (e LinearExpr) Offset(c int) LinearExpr {
	ne := LinearExpr{terms: make([]term, len(e.terms)), offset: e.offset + c}
	copy(ne.terms, e.terms)
	return ne
}

// Interval is a handle to an interval variable occupying [start, start+size)
// on every no-overlap group it joins.
type Interval struct {
	id       int
	start    *IntVar
	end      *IntVar // nil for fixed-size intervals; end is start+size
	size     int
	presence *Literal // nil for mandatory intervals
	name     string
}

// Name returns the interval's model name.
func (iv *Interval) Name() string { return iv.name }

type linearConstraint struct {
	expr     LinearExpr
	lb, ub   int
	notEqual bool // expr != lb, used with OnlyEnforceIf
	enforce  []Literal
}

// Constraint allows attaching enforcement literals to a linear constraint.
type Constraint struct {
	con *linearConstraint
}

// OnlyEnforceIf restricts the constraint to hold only when every literal is
// true.
func (c *Constraint) OnlyEnforceIf(lits ...Literal) *Constraint {
	c.con.enforce = append(c.con.enforce, lits...)
	return c
}

type maxEquality struct {
	target *IntVar
	vars   []*IntVar
}

type varDomain struct {
	lo, hi int
	name   string
}

// Model is a constraint model under construction. It is purely declarative;
// Solver performs the search.
type Model struct {
	vars        []varDomain
	constraints []*linearConstraint
	exactlyOnes [][]Literal
	noOverlaps  [][]*Interval
	maxEqs      []maxEquality
	intervals   []*Interval
	objective   *LinearExpr

	constants map[int]*IntVar
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{constants: make(map[int]*IntVar)}
}

// NewIntVar adds an integer variable with domain [lo, hi].
func (m *Model) NewIntVar(lo, hi int, name string) *IntVar {
	m.vars = append(m.vars, varDomain{lo: lo, hi: hi, name: name})
	return &IntVar{id: len(m.vars) - 1, name: name}
}

// NewConstant returns a variable fixed to v. Constants are interned.
func (m *Model) NewConstant(v int) *IntVar {
	if c, ok := m.constants[v]; ok {
		return c
	}
	c := m.NewIntVar(v, v, fmt.Sprintf("const_%d", v))
	m.constants[v] = c
	return c
}

// NewBoolVar adds a Boolean variable.
func (m *Model) NewBoolVar(name string) *IntVar {
	return m.NewIntVar(0, 1, name)
}

// NewFixedSizeIntervalVar adds a mandatory interval of the given size whose
// end is derived from its start.
func (m *Model) NewFixedSizeIntervalVar(start *IntVar, size int, name string) *Interval {
	iv := &Interval{id: len(m.intervals), start: start, size: size, name: name}
	m.intervals = append(m.intervals, iv)
	return iv
}

// NewOptionalIntervalVar adds an interval present only when the presence
// variable is true. When present it enforces end == start + size.
func (m *Model) NewOptionalIntervalVar(start *IntVar, size int, end *IntVar, presence *IntVar, name string) *Interval {
	lit := presence.Lit()
	iv := &Interval{id: len(m.intervals), start: start, end: end, size: size, presence: &lit, name: name}
	m.intervals = append(m.intervals, iv)
	return iv
}

// AddNoOverlap requires the present intervals among the given ones to be
// pairwise disjoint as half-open windows.
func (m *Model) AddNoOverlap(intervals []*Interval) {
	if len(intervals) == 0 {
		return
	}
	group := make([]*Interval, len(intervals))
	copy(group, intervals)
	m.noOverlaps = append(m.noOverlaps, group)
}

// AddExactlyOne requires exactly one of the literals to be true.
func (m *Model) AddExactlyOne(lits ...Literal) {
	group := make([]Literal, len(lits))
	copy(group, lits)
	m.exactlyOnes = append(m.exactlyOnes, group)
}

// AddLessOrEqual adds expr <= ub.
func (m *Model) AddLessOrEqual(e LinearExpr, ub int) *Constraint {
	return m.addLinear(e, noLower, ub)
}

// AddGreaterOrEqual adds expr >= lb.
func (m *Model) AddGreaterOrEqual(e LinearExpr, lb int) *Constraint {
	return m.addLinear(e, lb, noUpper)
}

// AddLinearConstraint adds lb <= expr <= ub.
func (m *Model) AddLinearConstraint(e LinearExpr, lb, ub int) *Constraint {
	return m.addLinear(e, lb, ub)
}

// AddEquality adds expr == v.
func (m *Model) AddEquality(e LinearExpr, v int) *Constraint {
	return m.addLinear(e, v, v)
}

// AddNotEqual adds expr != v.
func (m *Model) AddNotEqual(e LinearExpr, v int) *Constraint {
	con := &linearConstraint{expr: e, lb: v, ub: v, notEqual: true}
	m.constraints = append(m.constraints, con)
	return &Constraint{con: con}
}

// AddMaxEquality adds target == max(vars).
func (m *Model) AddMaxEquality(target *IntVar, vars []*IntVar) {
	vs := make([]*IntVar, len(vars))
	copy(vs, vars)
	m.maxEqs = append(m.maxEqs, maxEquality{target: target, vars: vs})
}

// Minimize sets the linear objective to minimize. At most one objective is
// honored; the last call wins.
func (m *Model) Minimize(e LinearExpr) {
	obj := e
	m.objective = &obj
}

// NumVariables returns the number of variables in the model.
func (m *Model) NumVariables() int { return len(m.vars) }

// NumConstraints returns the number of linear constraints in the model.
func (m *Model) NumConstraints() int { return len(m.constraints) }

// NumIntervals returns the number of interval variables in the model.
func (m *Model) NumIntervals() int { return len(m.intervals) }

func (m *Model) addLinear(e LinearExpr, lb, ub int) *Constraint {
	con := &linearConstraint{expr: e, lb: lb, ub: ub}
	m.constraints = append(m.constraints, con)
	return &Constraint{con: con}
}
