package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
)

// disasmCmd decodes hex-encoded x86-64 machine code, the same way the
// backend tests inspect emitted buffers. Input is an argument or stdin;
// whitespace in the hex is ignored.
var disasmCmd = &cobra.Command{
	Use:   "disasm [hex]",
	Short: "Disassemble hex-encoded x86-64 code",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var input string
		if len(args) == 1 {
			input = args[0]
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			input = string(data)
		}
		input = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
				return -1
			}
			return r
		}, input)

		code, err := hex.DecodeString(input)
		if err != nil {
			return fmt.Errorf("decode hex: %w", err)
		}

		for pos := 0; pos < len(code); {
			inst, err := x86asm.Decode(code[pos:], 64)
			if err != nil {
				return fmt.Errorf("decode at %#x: %w", pos, err)
			}
			fmt.Printf("%6x: %-24x %s\n", pos, code[pos:pos+inst.Len], x86asm.IntelSyntax(inst, uint64(pos), nil))
			pos += inst.Len
		}
		return nil
	},
}
