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

import "fmt"

// Describe renders the compiled RPN token stream for diagnostics: one
// line per instruction in execution order, followed by the history and
// variable requirements the map runtime will allocate for.
func (p *Program) Describe() []string {
	out := describeCode(p.Code, "")
	if p.InitEnd > 0 {
		out = append(out, fmt.Sprintf("init prefix: tokens [0, %d) run once per instance", p.InitEnd))
	}
	out = append(out, fmt.Sprintf("tokens: %d (limit %d)", p.NumTokens, StackSize))
	for i, h := range p.InputHistSize {
		out = append(out, fmt.Sprintf("input %d: history %d (vlen %d, type %s)", i, h, p.Sources[i].Vlen, typeName(p.Sources[i].Type)))
	}
	out = append(out, fmt.Sprintf("output: history %d (vlen %d, type %s)", p.OutputHistSize, p.Dest.Vlen, typeName(p.Dest.Type)))
	if len(p.UserVarOrder) > 0 {
		out = append(out, fmt.Sprintf("user vars: %v", p.UserVarOrder))
	}
	if p.ConstantOutput {
		out = append(out, "constant output")
	}
	if p.UsesSignalReduction {
		out = append(out, "reduces across sources (destination-side evaluation)")
	}
	if p.UsesInstanceReduction {
		out = append(out, "reduces across instances (destination-side evaluation)")
	}
	return out
}

func describeCode(code []instr, indent string) []string {
	var out []string
	for i, in := range code {
		out = append(out, fmt.Sprintf("%s%3d: %s", indent, i, describeInstr(in)))
		if in.op == opReduce && len(in.body) > 0 {
			out = append(out, describeCode(in.body, indent+"     | ")...)
		}
	}
	return out
}

func describeInstr(in instr) string {
	switch in.op {
	case opPush:
		return fmt.Sprintf("push %g", in.val)
	case opVectorize:
		return fmt.Sprintf("vectorize %d", in.arity)
	case opLoad:
		return "load " + describeRef(in.ref) + loadSuffix(in)
	case opLoadTT:
		if in.ref.sd == sideDest {
			return "load t_y"
		}
		return fmt.Sprintf("load t_x$%d", in.ref.sourceIdx)
	case opUnary:
		return "unary " + in.sym
	case opBinary:
		return "op " + in.sym
	case opCall:
		return fmt.Sprintf("call %s/%d", in.sym, in.arity)
	case opJump:
		return fmt.Sprintf("jump -> %d", in.off)
	case opJumpZ:
		return fmt.Sprintf("jumpz -> %d", in.off)
	case opReduce:
		target := describeRef(in.ref)
		if in.onStack {
			target = "<stack>"
		}
		s := fmt.Sprintf("reduce %s.%s %s", in.domain, in.reducer, target)
		if in.reducer == "reduce" {
			s += fmt.Sprintf(" (%s, %s)", in.accName, in.valName)
		}
		return s
	case opStoreY:
		if in.histOffset < 0 {
			return fmt.Sprintf("store y{%d}", in.histOffset)
		}
		return "store y"
	case opStoreTT:
		return "store t_y"
	case opStoreVar:
		return "store " + in.sym
	}
	return "?"
}

func describeRef(r varRef) string {
	switch r.sd {
	case sideSource:
		return fmt.Sprintf("x$%d", r.sourceIdx)
	case sideDest:
		return "y"
	}
	return r.name
}

func loadSuffix(in instr) string {
	s := ""
	if in.hasHist {
		s += "{*}"
	}
	if in.hasLo {
		if in.hasHi {
			s += "[*:*]"
		} else {
			s += "[*]"
		}
	}
	return s
}

func typeName(t Type) string {
	switch t {
	case Int32:
		return "i"
	case Float32:
		return "f"
	}
	return "d"
}
