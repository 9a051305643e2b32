package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// selectMenu draws items and lets the user pick one with the arrow keys.
// It returns -1 when stdin is not a terminal or the menu is empty.
func selectMenu(prompt string, items []string) int {
	fd := int(os.Stdin.Fd())
	if len(items) == 0 || !term.IsTerminal(fd) {
		return -1
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return -1
	}
	defer term.Restore(fd, oldState)

	selected := 0
	draw := func() {
		for i, item := range items {
			fmt.Print("\033[2K\r")
			if i == selected {
				fmt.Printf("> %s\r\n", item)
			} else {
				fmt.Printf("  %s\r\n", item)
			}
		}
	}

	fmt.Printf("%s\r\n", prompt)
	draw()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return -1
		}
		if n == 1 {
			switch buf[0] {
			case 0x0D, 0x0A: // Enter
				fmt.Printf("\r\n")
				return selected
			case 0x03, 0x1B: // Ctrl-C, Esc
				fmt.Printf("\r\n")
				return -1
			}
			continue
		}
		if n == 3 && buf[0] == 0x1B && buf[1] == '[' {
			switch buf[2] {
			case 'A':
				if selected == 0 {
					continue
				}
				selected--
			case 'B':
				if selected == len(items)-1 {
					continue
				}
				selected++
			default:
				continue
			}
			fmt.Printf("\033[%dA", len(items))
			draw()
		}
	}
}

// promptHidden reads a secret without echo. Piped input is read as a
// plain line.
func promptHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	var s string
	_, err := fmt.Fscanln(os.Stdin, &s)
	return strings.TrimSpace(s), err
}

// promptNewPIN asks twice and requires both entries to match.
func promptNewPIN(label string) ([]byte, error) {
	first, err := promptHidden(fmt.Sprintf("New %s: ", label))
	if err != nil {
		return nil, err
	}
	if first == "" {
		return nil, fmt.Errorf("%s must not be empty", label)
	}
	second, err := promptHidden(fmt.Sprintf("Repeat %s: ", label))
	if err != nil {
		return nil, err
	}
	if first != second {
		return nil, fmt.Errorf("%s entries do not match", label)
	}
	return []byte(first), nil
}
