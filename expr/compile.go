/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package expr

// StackSize bounds both the compiled program length (in tokens) and the
// VM's evaluation stack depth. Compilation fails when either would be
// exceeded, so Eval never has to grow or overflow the stack.
const StackSize = 256

// MaxUserVars is the most user variables one expression may declare.
const MaxUserVars = 16

type opcode uint8

const (
	opPush opcode = iota
	opVectorize
	opLoad
	opLoadTT
	opUnary
	opBinary
	opCall
	opJump
	opJumpZ
	opReduce
	opStoreY
	opStoreTT
	opStoreVar
)

// varRef names a value source for opLoad/opLoadTT and for reduction
// targets that must read a buffer rather than the stack.
type varRef struct {
	sd        side
	sourceIdx int
	name      string
}

// instr is one RPN token of a compiled program. Operands travel on the
// VM's evaluation stack; the fields here are the immediate parts fixed
// at compile time.
type instr struct {
	op    opcode
	val   float64 // opPush
	sym   string  // opUnary/opBinary operator, opCall function, opStoreVar name
	arity int     // opCall argument count, opVectorize element count
	off   int     // opJump/opJumpZ absolute target index

	ref     varRef // opLoad, opLoadTT, buffer-domain opReduce target
	hasHist bool   // opLoad: history offset operand on the stack
	hasLo   bool   // opLoad: vector index operand on the stack
	hasHi   bool   // opLoad: slice upper bound operand on the stack

	domain  string // opReduce
	reducer string
	onStack bool // opReduce: target value was computed onto the stack
	hasN    bool // opReduce: count/argument operand on the stack
	accName string
	valName string
	body    []instr // opReduce generic-reduce body

	histOffset int // opStoreY: 0 for y, negative for a history init
}

type compiler struct {
	code     []instr
	depth    int
	maxDepth int
	nTokens  int
}

func (c *compiler) emit(in instr, delta int) {
	c.code = append(c.code, in)
	c.nTokens++
	c.depth += delta
	if c.depth > c.maxDepth {
		c.maxDepth = c.depth
	}
}

// compile flattens the parsed statements into one RPN token array.
// History-initializer statements are emitted first so the program's
// [0, InitEnd) prefix can be skipped once an instance's history has been
// seeded.
func compile(stmts []node) (code []instr, initEnd, nTokens int, err error) {
	c := &compiler{}
	var inits, main []node
	for _, st := range stmts {
		if y, ok := st.(assignYNode); ok && y.histOffset < 0 {
			inits = append(inits, st)
		} else {
			main = append(main, st)
		}
	}
	for _, st := range inits {
		if err := c.stmt(st); err != nil {
			return nil, 0, 0, err
		}
	}
	initEnd = len(c.code)
	for _, st := range main {
		if err := c.stmt(st); err != nil {
			return nil, 0, 0, err
		}
	}
	if c.nTokens > StackSize {
		return nil, 0, 0, errf("program too long: %d tokens exceed the %d-token limit", c.nTokens, StackSize)
	}
	if c.maxDepth > StackSize {
		return nil, 0, 0, errf("stack size exceeded: expression needs %d slots, limit is %d", c.maxDepth, StackSize)
	}
	return c.code, initEnd, c.nTokens, nil
}

func (c *compiler) stmt(st node) error {
	switch t := st.(type) {
	case assignYNode:
		if err := c.node(t.body); err != nil {
			return err
		}
		c.emit(instr{op: opStoreY, histOffset: t.histOffset}, -1)
	case ttAssignYNode:
		if err := c.node(t.body); err != nil {
			return err
		}
		c.emit(instr{op: opStoreTT}, -1)
	case assignVarNode:
		if err := c.node(t.body); err != nil {
			return err
		}
		c.emit(instr{op: opStoreVar, sym: t.name}, -1)
	default:
		return errf("unexpected top-level statement")
	}
	return nil
}

func (c *compiler) node(n node) error {
	switch t := n.(type) {
	case constNode:
		c.emit(instr{op: opPush, val: t.val}, 1)
	case vecLitNode:
		for _, e := range t.elems {
			if err := c.node(e); err != nil {
				return err
			}
		}
		c.emit(instr{op: opVectorize, arity: len(t.elems)}, 1-len(t.elems))
	case varNode:
		in := instr{op: opLoad, ref: varRef{sd: t.sd, sourceIdx: t.sourceIdx, name: t.name}}
		consumed := 0
		if t.history != nil {
			if err := c.node(t.history); err != nil {
				return err
			}
			in.hasHist = true
			consumed++
		}
		if t.vecIdx != nil {
			if err := c.node(t.vecIdx); err != nil {
				return err
			}
			in.hasLo = true
			consumed++
		}
		if t.vecIdxHi != nil {
			if err := c.node(t.vecIdxHi); err != nil {
				return err
			}
			in.hasHi = true
			consumed++
		}
		c.emit(in, 1-consumed)
	case timetagNode:
		c.emit(instr{op: opLoadTT, ref: varRef{sd: t.sd, sourceIdx: t.sourceIdx}}, 1)
	case unaryNode:
		if err := c.node(t.x); err != nil {
			return err
		}
		c.emit(instr{op: opUnary, sym: t.op}, 0)
	case binaryNode:
		if err := c.node(t.l); err != nil {
			return err
		}
		if err := c.node(t.r); err != nil {
			return err
		}
		c.emit(instr{op: opBinary, sym: t.op}, -1)
	case ternaryNode:
		// cond JUMPZ else; then JUMP end; else
		if err := c.node(t.cond); err != nil {
			return err
		}
		jz := len(c.code)
		c.emit(instr{op: opJumpZ}, -1)
		if err := c.node(t.then); err != nil {
			return err
		}
		j := len(c.code)
		c.emit(instr{op: opJump}, 0)
		c.code[jz].off = len(c.code)
		// only one branch executes; rewind the simulated depth for else
		c.depth--
		if err := c.node(t.els); err != nil {
			return err
		}
		c.code[j].off = len(c.code)
	case funcNode:
		for _, a := range t.args {
			if err := c.node(a); err != nil {
				return err
			}
		}
		c.emit(instr{op: opCall, sym: t.name, arity: len(t.args)}, 1-len(t.args))
	case reduceNode:
		return c.reduce(t)
	default:
		return errf("unhandled node type %T", n)
	}
	return nil
}

func (c *compiler) reduce(t reduceNode) error {
	in := instr{op: opReduce, domain: t.domain, reducer: t.reducer}
	consumed := 0
	if t.domain == "vector" {
		if err := c.node(t.target); err != nil {
			return err
		}
		in.onStack = true
		consumed++
	} else {
		tv, ok := t.target.(varNode)
		if !ok || tv.history != nil || tv.vecIdx != nil {
			return errf("%s reduction target must be a plain signal reference", t.domain)
		}
		in.ref = varRef{sd: tv.sd, sourceIdx: tv.sourceIdx, name: tv.name}
	}
	if t.reducer == "reduce" {
		if err := c.node(t.init); err != nil {
			return err
		}
		consumed++
		in.accName, in.valName = t.accName, t.valName
		sub := &compiler{}
		if err := sub.node(t.body); err != nil {
			return err
		}
		in.body = sub.code
		c.nTokens += sub.nTokens
		if sub.maxDepth > c.maxDepth {
			c.maxDepth = sub.maxDepth
		}
	}
	if t.n != nil {
		if err := c.node(t.n); err != nil {
			return err
		}
		in.hasN = true
		consumed++
	}
	c.emit(in, 1-consumed)
	return nil
}

// foldStmts rewrites every constant-only sub-expression into a single
// push token by compiling it and running the VM once at parse time.
// A constant zero divisor is a compile error here, not a runtime one.
func foldStmts(stmts []node) ([]node, error) {
	out := make([]node, len(stmts))
	for i, st := range stmts {
		var err error
		switch t := st.(type) {
		case assignYNode:
			t.body, err = foldNode(t.body)
			out[i] = t
		case ttAssignYNode:
			t.body, err = foldNode(t.body)
			out[i] = t
		case assignVarNode:
			t.body, err = foldNode(t.body)
			out[i] = t
		default:
			out[i] = st
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isConst(n node) bool {
	_, ok := n.(constNode)
	return ok
}

func foldNode(n node) (node, error) {
	switch t := n.(type) {
	case vecLitNode:
		for i, e := range t.elems {
			fe, err := foldNode(e)
			if err != nil {
				return nil, err
			}
			t.elems[i] = fe
		}
		return t, nil
	case varNode:
		var err error
		if t.history != nil {
			if t.history, err = foldNode(t.history); err != nil {
				return nil, err
			}
		}
		if t.vecIdx != nil {
			if t.vecIdx, err = foldNode(t.vecIdx); err != nil {
				return nil, err
			}
		}
		if t.vecIdxHi != nil {
			if t.vecIdxHi, err = foldNode(t.vecIdxHi); err != nil {
				return nil, err
			}
		}
		return t, nil
	case unaryNode:
		x, err := foldNode(t.x)
		if err != nil {
			return nil, err
		}
		t.x = x
		if isConst(x) {
			return runConst(t)
		}
		return t, nil
	case binaryNode:
		l, err := foldNode(t.l)
		if err != nil {
			return nil, err
		}
		r, err := foldNode(t.r)
		if err != nil {
			return nil, err
		}
		t.l, t.r = l, r
		if (t.op == "/" || t.op == "%") && isConst(r) && r.(constNode).val == 0 {
			return nil, errf("division by zero in constant expression")
		}
		if isConst(l) && isConst(r) {
			return runConst(t)
		}
		return t, nil
	case ternaryNode:
		cond, err := foldNode(t.cond)
		if err != nil {
			return nil, err
		}
		then, err := foldNode(t.then)
		if err != nil {
			return nil, err
		}
		els, err := foldNode(t.els)
		if err != nil {
			return nil, err
		}
		if c, ok := cond.(constNode); ok {
			if c.val != 0 {
				return then, nil
			}
			return els, nil
		}
		return ternaryNode{cond: cond, then: then, els: els}, nil
	case funcNode:
		allConst := true
		for i, a := range t.args {
			fa, err := foldNode(a)
			if err != nil {
				return nil, err
			}
			t.args[i] = fa
			if !isConst(fa) {
				allConst = false
			}
		}
		if allConst && t.name != "uniform" {
			return runConst(t)
		}
		return t, nil
	case reduceNode:
		var err error
		if t.target, err = foldNode(t.target); err != nil {
			return nil, err
		}
		if t.n != nil {
			if t.n, err = foldNode(t.n); err != nil {
				return nil, err
			}
		}
		if t.init != nil {
			if t.init, err = foldNode(t.init); err != nil {
				return nil, err
			}
		}
		if t.body != nil {
			if t.body, err = foldNode(t.body); err != nil {
				return nil, err
			}
		}
		return t, nil
	default:
		return n, nil
	}
}

// runConst compiles a constant-only sub-expression and runs it through
// the VM once, replacing the whole subtree with its scalar result.
func runConst(n node) (node, error) {
	sub := &compiler{}
	if err := sub.node(n); err != nil {
		return nil, err
	}
	stack, err := exec(nil, sub.code, &Call{}, nil, &evalState{}, 0)
	if err != nil {
		return nil, err
	}
	if len(stack) != 1 || len(stack[len(stack)-1].V) != 1 {
		// vector-valued constants stay unfolded
		return n, nil
	}
	return constNode{val: stack[len(stack)-1].V[0]}, nil
}
