// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cpsat

import (
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// Status is the outcome of a Solve call.
type Status int

const (
	StatusUnknown Status = iota
	StatusOptimal
	StatusFeasible
	StatusInfeasible
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "OPTIMAL"
	case StatusFeasible:
		return "FEASIBLE"
	case StatusInfeasible:
		return "INFEASIBLE"
	default:
		return "UNKNOWN"
	}
}

// Parameters tune a Solve call.
type Parameters struct {
	// MaxTimeInSeconds is the wall-clock search budget.
	MaxTimeInSeconds float64

	// NumSearchWorkers is the number of concurrent search seeds when an
	// objective is set. Feasibility-only models use a single deterministic
	// pass.
	NumSearchWorkers int

	// LogSearchProgress emits search progress through the solver's logger.
	LogSearchProgress bool

	// RandomSeed offsets the seed sequence.
	RandomSeed int64
}

// Solver runs the search. A Solver may be reused; each Solve resets its
// solution state.
type Solver struct {
	Parameters Parameters

	// Logger receives search progress when LogSearchProgress is set. Left
	// nil, a stderr logger is used, matching the backend convention of
	// logging search progress on stderr.
	Logger hclog.Logger

	status       Status
	values       []int
	objectiveVal int
	wall         time.Duration
}

// NewSolver returns a solver with default parameters.
func NewSolver() *Solver {
	return &Solver{
		Parameters: Parameters{
			MaxTimeInSeconds: 60,
			NumSearchWorkers: 1,
		},
	}
}

// Value returns the solved value of a variable. Only valid after a Solve
// returning OPTIMAL or FEASIBLE.
func (s *Solver) Value(v *IntVar) int {
	return s.values[v.id]
}

// BoolValue returns the solved truth of a literal.
func (s *Solver) BoolValue(l Literal) bool {
	return (s.values[l.v.id] == 1) != l.negated
}

// ObjectiveValue returns the objective of the best solution found.
func (s *Solver) ObjectiveValue() int { return s.objectiveVal }

// WallTime returns the duration of the last Solve.
func (s *Solver) WallTime() time.Duration { return s.wall }

// maxGapRepairAttempts bounds the move-earlier-task-later loop before a seed
// is abandoned.
const maxGapRepairAttempts = 64

// maxSeeds bounds the number of restarts attempted inside the time budget.
const maxSeeds = 64

// Solve searches the model and returns the resulting status.
func (s *Solver) Solve(m *Model) Status {
	started := time.Now()
	defer func() { s.wall = time.Since(started) }()
	s.status = StatusUnknown
	s.values = nil
	s.objectiveVal = 0

	logger := s.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "cpsat", Output: os.Stderr})
	}
	if s.Parameters.LogSearchProgress {
		logger.Info("starting search",
			"variables", m.NumVariables(),
			"constraints", m.NumConstraints(),
			"intervals", m.NumIntervals(),
			"workers", s.Parameters.NumSearchWorkers,
			"max_time", s.Parameters.MaxTimeInSeconds)
	}

	pr := newProblem(m)
	if pr.infeasible {
		s.status = StatusInfeasible
		if s.Parameters.LogSearchProgress {
			logger.Info("search done", "status", s.status.String(), "reason", "bound propagation")
		}
		return s.status
	}

	budget := time.Duration(s.Parameters.MaxTimeInSeconds * float64(time.Second))
	if budget <= 0 {
		budget = time.Second
	}
	deadline := started.Add(budget)

	feasibleStatus := StatusFeasible
	if len(pr.tasks) == 0 {
		// Nothing to decide; a verified assignment is optimal by
		// construction.
		feasibleStatus = StatusOptimal
	}

	if m.objective == nil {
		// Feasibility only: one deterministic pass.
		values, ok := pr.attempt(s.Parameters.RandomSeed, deadline)
		if !ok {
			return s.status
		}
		s.values = values
		s.status = feasibleStatus
		if s.Parameters.LogSearchProgress {
			logger.Info("search done", "status", s.status.String(), "wall_time", time.Since(started))
		}
		return s.status
	}

	// Objective search: parallel seeded restarts, best objective wins.
	workers := max(1, s.Parameters.NumSearchWorkers)
	var (
		mu       sync.Mutex
		best     []int
		bestObj  int
		haveBest bool
		seedCtr  atomic.Int64
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				seed := seedCtr.Add(1) - 1
				if seed >= maxSeeds || time.Now().After(deadline) {
					return
				}
				values, ok := pr.attempt(s.Parameters.RandomSeed+seed, deadline)
				if !ok {
					continue
				}
				obj := evalExpr(*pr.m.objective, values)
				mu.Lock()
				if !haveBest || obj < bestObj {
					bestObj = obj
					best = values
					haveBest = true
					if s.Parameters.LogSearchProgress {
						logger.Info("improved solution", "objective", obj, "seed", seed)
					}
				}
				mu.Unlock()
				// Seed 0 is the deterministic greedy pass; later seeds only
				// matter while budget remains.
				if time.Now().After(deadline) {
					return
				}
			}
		}()
	}
	wg.Wait()

	if !haveBest {
		return s.status
	}
	s.values = best
	s.objectiveVal = bestObj
	s.status = feasibleStatus
	if s.Parameters.LogSearchProgress {
		logger.Info("search done", "status", s.status.String(), "objective", bestObj, "wall_time", time.Since(started))
	}
	return s.status
}

// ---------------------------------------------------------------------------
// problem extraction

type altChoice struct {
	presence *Literal
	interval *Interval
	groups   []int
}

type schedTask struct {
	index int
	start *IntVar
	end   *IntVar
	size  int
	alts  []altChoice
}

type precedence struct {
	a, b *IntVar // a >= b + lb
	lb   int
}

type maxGap struct {
	a, b *IntVar // a - b <= ub
	ub   int
}

type fixedOcc struct {
	start, end int
	group      int
}

type problem struct {
	m          *Model
	lo, hi     []int
	infeasible bool

	tasks       []*schedTask
	taskOfStart map[int]int // start var id -> task index
	taskOfEnd   map[int]int // end var id -> task index
	fixed       []fixedOcc
	precede     []precedence
	gaps        []maxGap
}

func newProblem(m *Model) *problem {
	pr := &problem{
		m:           m,
		lo:          make([]int, len(m.vars)),
		hi:          make([]int, len(m.vars)),
		taskOfStart: make(map[int]int),
		taskOfEnd:   make(map[int]int),
	}
	for i, vd := range m.vars {
		pr.lo[i] = vd.lo
		pr.hi[i] = vd.hi
		if vd.lo > vd.hi {
			pr.infeasible = true
			return pr
		}
	}

	if !pr.propagate() {
		pr.infeasible = true
		return pr
	}

	// Group memberships per interval.
	groupsOf := make(map[int][]int)
	for g, group := range m.noOverlaps {
		for _, iv := range group {
			groupsOf[iv.id] = append(groupsOf[iv.id], g)
		}
	}

	// Partition intervals into fixed occupancies and decision tasks.
	taskByStart := make(map[int]*schedTask)
	for _, iv := range m.intervals {
		sid := iv.start.id
		if iv.presence == nil && pr.lo[sid] == pr.hi[sid] {
			s := pr.lo[sid]
			if iv.size > 0 {
				for _, g := range groupsOf[iv.id] {
					pr.fixed = append(pr.fixed, fixedOcc{start: s, end: s + iv.size, group: g})
				}
			}
			continue
		}
		task, ok := taskByStart[sid]
		if !ok {
			task = &schedTask{index: len(pr.tasks), start: iv.start, end: iv.end, size: iv.size}
			taskByStart[sid] = task
			pr.tasks = append(pr.tasks, task)
			pr.taskOfStart[sid] = task.index
			if iv.end != nil {
				pr.taskOfEnd[iv.end.id] = task.index
			}
		}
		task.alts = append(task.alts, altChoice{presence: iv.presence, interval: iv, groups: groupsOf[iv.id]})
	}

	// Two fixed occupancies overlapping on the same group is a proven
	// conflict; no assignment of the decision variables can resolve it.
	byGroup := make(map[int][]fixedOcc)
	for _, f := range pr.fixed {
		byGroup[f.group] = append(byGroup[f.group], f)
	}
	for _, occs := range byGroup {
		sort.Slice(occs, func(i, j int) bool { return occs[i].start < occs[j].start })
		for i := 1; i < len(occs); i++ {
			if occs[i].start < occs[i-1].end {
				pr.infeasible = true
				return pr
			}
		}
	}

	// Precedences and max-gap couplings from unconditional two-term
	// constraints of the form a - b.
	for _, con := range m.constraints {
		if len(con.enforce) != 0 || con.notEqual || len(con.expr.terms) != 2 {
			continue
		}
		t0, t1 := con.expr.terms[0], con.expr.terms[1]
		var a, b *IntVar
		switch {
		case t0.coef == 1 && t1.coef == -1:
			a, b = t0.v, t1.v
		case t0.coef == -1 && t1.coef == 1:
			a, b = t1.v, t0.v
		default:
			continue
		}
		// a - b + offset in [lb, ub]
		if con.lb > noLower {
			pr.precede = append(pr.precede, precedence{a: a, b: b, lb: con.lb - con.expr.offset})
		}
		if con.ub < noUpper {
			pr.gaps = append(pr.gaps, maxGap{a: a, b: b, ub: con.ub - con.expr.offset})
		}
	}

	return pr
}

// propagate tightens variable bounds from the unconditional linear
// constraints until fixpoint. Returns false on a proven empty domain.
func (pr *problem) propagate() bool {
	changed := true
	for pass := 0; changed && pass < 16; pass++ {
		changed = false
		for _, con := range pr.m.constraints {
			if len(con.enforce) != 0 {
				continue
			}
			if con.notEqual {
				// Only a fully fixed expression can be refuted here.
				if v, fixed := evalFixed(con.expr, pr.lo, pr.hi); fixed && v == con.lb {
					return false
				}
				continue
			}
			for k, tk := range con.expr.terms {
				if tk.coef == 0 {
					continue
				}
				// Residual bounds over the other terms.
				minRest, maxRest := con.expr.offset, con.expr.offset
				for j, tj := range con.expr.terms {
					if j == k {
						continue
					}
					lo, hi := tj.coef*pr.lo[tj.v.id], tj.coef*pr.hi[tj.v.id]
					if lo > hi {
						lo, hi = hi, lo
					}
					minRest += lo
					maxRest += hi
				}
				if con.ub < noUpper {
					// tk.coef*vk <= ub - minRest
					if tk.coef > 0 {
						bound := floorDiv(con.ub-minRest, tk.coef)
						if bound < pr.hi[tk.v.id] {
							pr.hi[tk.v.id] = bound
							changed = true
						}
					} else {
						bound := ceilDiv(con.ub-minRest, tk.coef)
						if bound > pr.lo[tk.v.id] {
							pr.lo[tk.v.id] = bound
							changed = true
						}
					}
				}
				if con.lb > noLower {
					// tk.coef*vk >= lb - maxRest
					if tk.coef > 0 {
						bound := ceilDiv(con.lb-maxRest, tk.coef)
						if bound > pr.lo[tk.v.id] {
							pr.lo[tk.v.id] = bound
							changed = true
						}
					} else {
						bound := floorDiv(con.lb-maxRest, tk.coef)
						if bound < pr.hi[tk.v.id] {
							pr.hi[tk.v.id] = bound
							changed = true
						}
					}
				}
				if pr.lo[tk.v.id] > pr.hi[tk.v.id] {
					return false
				}
			}
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// search

type busyList struct {
	// sorted by start; non-overlapping by construction
	spans []span
}

type span struct{ start, end int }

func (b *busyList) insert(s span) {
	i := sort.Search(len(b.spans), func(i int) bool { return b.spans[i].start >= s.start })
	b.spans = append(b.spans, span{})
	copy(b.spans[i+1:], b.spans[i:])
	b.spans[i] = s
}

// earliestFit returns the first t >= est such that [t, t+size) avoids every
// span in the list.
func (b *busyList) earliestFit(est, size int) int {
	if size <= 0 {
		return est
	}
	t := est
	for {
		moved := false
		for _, sp := range b.spans {
			if sp.start >= t+size {
				break
			}
			if sp.end > t && sp.start < t+size {
				t = sp.end
				moved = true
			}
		}
		if !moved {
			return t
		}
	}
}

// attempt runs one full seeded construction, including max-gap repair, and
// returns a verified assignment.
func (pr *problem) attempt(seed int64, deadline time.Time) ([]int, bool) {
	extraLB := make(map[int]int)
	for r := 0; r < maxGapRepairAttempts; r++ {
		if time.Now().After(deadline) && r > 0 {
			return nil, false
		}
		values, gap, ok := pr.construct(seed, extraLB)
		if !ok {
			return nil, false
		}
		if gap != nil {
			// Pull the earlier task later so its end lands within the gap.
			earlier := pr.tasks[gap.task]
			want := gap.desiredEnd - earlier.size
			if cur, ok := extraLB[earlier.start.id]; !ok || want > cur {
				extraLB[earlier.start.id] = want
				continue
			}
			// No progress possible.
			return nil, false
		}
		pr.assignAux(values)
		if !pr.verify(values) {
			return nil, false
		}
		return values, true
	}
	return nil, false
}

type gapViolation struct {
	task       int // earlier task to move later
	desiredEnd int
}

// construct places every task greedily in seeded ready order. It returns the
// raw assignment, or the first unrepaired max-gap violation.
func (pr *problem) construct(seed int64, extraLB map[int]int) ([]int, *gapViolation, bool) {
	values := make([]int, len(pr.lo))
	assigned := make([]bool, len(pr.lo))
	for i := range values {
		if pr.lo[i] == pr.hi[i] {
			values[i] = pr.lo[i]
			assigned[i] = true
		}
	}

	busy := make([]busyList, len(pr.m.noOverlaps))
	for _, f := range pr.fixed {
		busy[f.group].insert(span{start: f.start, end: f.end})
	}

	// Ready-driven ordering: a task is ready once every variable gating its
	// start (through a precedence) is assigned.
	waits := make([][]int, len(pr.tasks)) // task -> gating var ids
	for _, p := range pr.precede {
		ti, ok := pr.taskOfStart[p.a.id]
		if !ok {
			continue
		}
		if assigned[p.b.id] {
			continue
		}
		// Only variables some other task will assign can gate readiness.
		if _, ok := pr.taskOfEnd[p.b.id]; !ok {
			if _, ok := pr.taskOfStart[p.b.id]; !ok {
				continue
			}
		}
		waits[ti] = append(waits[ti], p.b.id)
	}

	var rng *rand.Rand
	if seed != 0 {
		rng = rand.New(rand.NewSource(seed))
	}

	placed := make([]bool, len(pr.tasks))
	for n := 0; n < len(pr.tasks); n++ {
		// Collect ready tasks.
		var ready []int
		for ti, task := range pr.tasks {
			if placed[ti] {
				continue
			}
			ok := true
			for _, dep := range waits[ti] {
				if !assigned[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, task.index)
			}
		}
		if len(ready) == 0 {
			return nil, nil, false // dependency cycle; not expected from the builder
		}
		pick := ready[0]
		if rng != nil && len(ready) > 1 {
			pick = ready[rng.Intn(len(ready))]
		}
		task := pr.tasks[pick]

		est := pr.lo[task.start.id]
		if lb, ok := extraLB[task.start.id]; ok && lb > est {
			est = lb
		}
		for _, p := range pr.precede {
			if p.a.id != task.start.id || !assigned[p.b.id] {
				continue
			}
			if v := values[p.b.id] + p.lb; v > est {
				est = v
			}
		}

		// Choose the alternative reaching the earliest feasible start.
		bestAlt, bestStart := -1, 0
		for ai, alt := range task.alts {
			t := est
			for again := true; again; {
				again = false
				for _, g := range alt.groups {
					if nt := busy[g].earliestFit(t, task.size); nt != t {
						t = nt
						again = true
					}
				}
			}
			if bestAlt == -1 || t < bestStart {
				bestAlt, bestStart = ai, t
			}
		}
		if bestAlt == -1 || bestStart > pr.hi[task.start.id] {
			return nil, nil, false
		}

		values[task.start.id] = bestStart
		assigned[task.start.id] = true
		if task.end != nil {
			values[task.end.id] = bestStart + task.size
			assigned[task.end.id] = true
		}
		for ai, alt := range task.alts {
			if alt.presence == nil {
				continue
			}
			truth := ai == bestAlt
			if alt.presence.negated {
				truth = !truth
			}
			v := 0
			if truth {
				v = 1
			}
			values[alt.presence.v.id] = v
			assigned[alt.presence.v.id] = true
		}
		if task.size > 0 {
			for _, g := range task.alts[bestAlt].groups {
				busy[g].insert(span{start: bestStart, end: bestStart + task.size})
			}
		}
		placed[task.index] = true

		// Max-gap check against everything assigned so far.
		for _, gp := range pr.gaps {
			if !assigned[gp.a.id] || !assigned[gp.b.id] {
				continue
			}
			if values[gp.a.id]-values[gp.b.id] <= gp.ub {
				continue
			}
			ti, ok := pr.taskOfEnd[gp.b.id]
			if !ok {
				return nil, nil, false
			}
			return nil, &gapViolation{task: ti, desiredEnd: values[gp.a.id] - gp.ub}, true
		}
	}

	// Mark task vars as assigned for aux resolution by zeroing loop above;
	// remaining variables are resolved in assignAux.
	pr.pinEnforced(values, assigned)
	pr.lowerBoundFree(values, assigned)
	pr.resolveMax(values, assigned)
	return values, nil, true
}

// pinEnforced resolves variables fixed by enforced equalities whose
// enforcement literals are all true, e.g. machine index channelling.
func (pr *problem) pinEnforced(values []int, assigned []bool) {
	for changed := true; changed; {
		changed = false
		for _, con := range pr.m.constraints {
			if con.notEqual || len(con.enforce) == 0 || con.lb != con.ub {
				continue
			}
			hold := true
			for _, l := range con.enforce {
				if !assigned[l.v.id] || (values[l.v.id] == 1) == l.negated {
					hold = false
					break
				}
			}
			if !hold {
				continue
			}
			free, sum := -1, con.expr.offset
			coef := 0
			for _, t := range con.expr.terms {
				if assigned[t.v.id] {
					sum += t.coef * values[t.v.id]
					continue
				}
				if free != -1 {
					free = -2
					break
				}
				free, coef = t.v.id, t.coef
			}
			if free < 0 || (coef != 1 && coef != -1) {
				continue
			}
			values[free] = (con.lb - sum) / coef
			assigned[free] = true
			changed = true
		}
	}
}

// lowerBoundFree assigns every remaining variable its smallest value
// satisfying the unconditional constraints whose other terms are assigned.
// Objective auxiliaries (delay variables) land on their tight bound.
func (pr *problem) lowerBoundFree(values []int, assigned []bool) {
	for pass := 0; pass < 4; pass++ {
		changed := false
		for vid := range values {
			if assigned[vid] {
				continue
			}
			bound := pr.lo[vid]
			resolvable := true
			for _, con := range pr.m.constraints {
				if con.notEqual || len(con.enforce) != 0 || con.lb <= noLower {
					continue
				}
				sum := con.expr.offset
				coef, present := 0, false
				ok := true
				for _, t := range con.expr.terms {
					if t.v.id == vid {
						coef, present = t.coef, true
						continue
					}
					if !assigned[t.v.id] {
						ok = false
						break
					}
					sum += t.coef * values[t.v.id]
				}
				if !ok || !present || coef <= 0 {
					if present && !ok {
						resolvable = false
					}
					continue
				}
				if b := ceilDiv(con.lb-sum, coef); b > bound {
					bound = b
				}
			}
			if resolvable {
				values[vid] = bound
				assigned[vid] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}
}

// resolveMax assigns max-equality targets from their operands.
func (pr *problem) resolveMax(values []int, assigned []bool) {
	for _, me := range pr.m.maxEqs {
		m := pr.lo[me.target.id]
		for _, v := range me.vars {
			if values[v.id] > m {
				m = values[v.id]
			}
		}
		values[me.target.id] = m
		assigned[me.target.id] = true
	}
}

func (pr *problem) assignAux(values []int) {
	// Final sweep for anything construct left untouched: clamp to static lo.
	for vid := range values {
		if values[vid] < pr.lo[vid] {
			values[vid] = pr.lo[vid]
		}
	}
}

// verify checks the complete assignment against every model constraint.
func (pr *problem) verify(values []int) bool {
	litTrue := func(l Literal) bool { return (values[l.v.id] == 1) != l.negated }

	for vid, v := range values {
		if v < pr.m.vars[vid].lo || v > pr.m.vars[vid].hi {
			return false
		}
	}
	for _, con := range pr.m.constraints {
		hold := true
		for _, l := range con.enforce {
			if !litTrue(l) {
				hold = false
				break
			}
		}
		if !hold {
			continue
		}
		v := evalExpr(con.expr, values)
		if con.notEqual {
			if v == con.lb {
				return false
			}
			continue
		}
		if v < con.lb || v > con.ub {
			return false
		}
	}
	for _, group := range pr.m.exactlyOnes {
		n := 0
		for _, l := range group {
			if litTrue(l) {
				n++
			}
		}
		if n != 1 {
			return false
		}
	}
	for _, me := range pr.m.maxEqs {
		m := noLower
		for _, v := range me.vars {
			if values[v.id] > m {
				m = values[v.id]
			}
		}
		if values[me.target.id] != m {
			return false
		}
	}
	for _, iv := range pr.m.intervals {
		if iv.presence != nil && !litTrue(*iv.presence) {
			continue
		}
		if iv.end != nil && values[iv.end.id] != values[iv.start.id]+iv.size {
			return false
		}
	}
	for _, group := range pr.m.noOverlaps {
		var spans []span
		for _, iv := range group {
			if iv.presence != nil && !litTrue(*iv.presence) {
				continue
			}
			if iv.size <= 0 {
				continue
			}
			s := values[iv.start.id]
			spans = append(spans, span{start: s, end: s + iv.size})
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		for i := 1; i < len(spans); i++ {
			if spans[i].start < spans[i-1].end {
				return false
			}
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// helpers

func evalExpr(e LinearExpr, values []int) int {
	v := e.offset
	for _, t := range e.terms {
		v += t.coef * values[t.v.id]
	}
	return v
}

func evalFixed(e LinearExpr, lo, hi []int) (int, bool) {
	v := e.offset
	for _, t := range e.terms {
		if lo[t.v.id] != hi[t.v.id] {
			return 0, false
		}
		v += t.coef * lo[t.v.id]
	}
	return v, true
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) == (b < 0)) {
		q++
	}
	return q
}
