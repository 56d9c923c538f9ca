// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"strings"
)

// String implements fmt.Stringer, with a summary of the tensor contents.
func (t *Tensor) String() string {
	return t.Summary(4)
}

// ShapeString returns the dimensions formatted as "[2][3]float64".
func (t *Tensor) ShapeString() string {
	var sb strings.Builder
	for _, dim := range t.dims {
		_, _ = fmt.Fprintf(&sb, "[%d]", dim)
	}
	sb.WriteString("float64")
	return sb.String()
}

// Summary returns a multi-line summary of the Tensor's content.
// Long axes are abbreviated with ellipsis, inspired by numpy output.
func (t *Tensor) Summary(precision int) string {
	if len(t.data) == 0 {
		return t.ShapeString()
	}
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	w("%s", t.ShapeString())
	if len(t.dims) == 0 {
		w("(%.*g)", precision, t.data[0])
		return buf.String()
	}

	var printElements func(index, indent int, dims []int)
	printElements = func(index, indent int, dims []int) {
		if len(dims) == 1 {
			w("{")
			for ii := range dims[0] {
				if dims[0] > 6 && ii == 3 {
					w(", ...")
				}
				if dims[0] > 6 && ii >= 3 && ii < dims[0]-3 {
					continue
				}
				if ii > 0 {
					w(", ")
				}
				w("%.*g", precision, t.data[index+ii])
			}
			w("}")
			return
		}
		stride := Size(dims[1:]...)
		indentStr := strings.Repeat(" ", indent+1)
		w("{")
		for ii := range dims[0] {
			if dims[0] > 6 && ii == 3 {
				w(",\n%s...", indentStr)
			}
			if dims[0] > 6 && ii >= 3 && ii < dims[0]-3 {
				continue
			}
			if ii > 0 {
				w(",\n%s", indentStr)
			}
			printElements(index+ii*stride, indent+1, dims[1:])
		}
		w("}")
	}
	printElements(0, 0, t.dims)
	return buf.String()
}
