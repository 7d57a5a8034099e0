// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a secret (a passphrase or an age identity) from a
// file, or one line from stdin when path is "-". Surrounding whitespace
// is trimmed; an empty secret is an error.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		return readLine(os.Stdin)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer Zero(data)
	return fromTrimmed(data)
}

func readLine(reader io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("secret: reading stdin: %w", err)
		}
		return nil, fmt.Errorf("secret: stdin is empty")
	}
	data := scanner.Bytes()
	defer Zero(data)
	return fromTrimmed(data)
}

func fromTrimmed(data []byte) (*Buffer, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: secret is empty")
	}
	return NewFromBytes(trimmed)
}
