package vm

import (
	"fmt"
	"io"
)

// Disassemble writes one line per instruction in fn's code to w, in a
// "PC  MNEMONIC  operands" format, e.g.:
//
//	0004  JMP_T      A=3            -3
func Disassemble(w io.Writer, fn *Function) error {
	for pc, word := range fn.Code {
		inst := DecodeInstruction(word)
		line := formatInstruction(pc, inst)
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatInstruction(pc int, inst Instruction) string {
	switch inst.Op.Layout() {
	case LayoutABx:
		return fmt.Sprintf("%04d  %-10s A=%-12d Bx=%d", pc, inst.Op, inst.A, inst.Bx)
	case LayoutAsBx:
		return fmt.Sprintf("%04d  %-10s A=%-12d %d", pc, inst.Op, inst.A, inst.SBx)
	default:
		return fmt.Sprintf("%04d  %-10s A=%-4d B=%-4d C=%d", pc, inst.Op, inst.A, inst.B, inst.C)
	}
}
