// Copyright 2024 The capa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package capaerrors defines the error kinds raised by the rule engine:
// malformed rules, malformed rule sets, and extractor-boundary failures.
package capaerrors

import (
	"fmt"
	"strings"
)

// Message implements the error interface while keeping the format string
// and arguments available separately, so a caller can re-render the
// message without re-parsing it.
type Message struct {
	format string
	args   []interface{}
}

// NewMessagef builds a Message for human consumption.
func NewMessagef(format string, args ...interface{}) Message {
	return Message{format: format, args: args}
}

func (m Message) Msg() (string, []interface{}) { return m.format, m.args }

func (m Message) Error() string { return fmt.Sprintf(m.format, m.args...) }

// InvalidRuleError reports a malformed rule document: bad keys, bad
// types, a feature invalid for its scope, an oversized byte literal, an
// ambiguous inline description, and so on.
type InvalidRuleError struct {
	Message

	// Path is the source file the rule was loaded from, if known.
	Path string

	// RuleName is the rule's name, if parsing got far enough to learn it.
	RuleName string
}

func (e *InvalidRuleError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		fmt.Fprintf(&b, "%s: ", e.Path)
	}
	if e.RuleName != "" {
		fmt.Fprintf(&b, "rule %q: ", e.RuleName)
	}
	b.WriteString(e.Message.Error())
	return b.String()
}

func (e *InvalidRuleError) Unwrap() error { return e.Message }

// NewInvalidRule constructs an InvalidRuleError with no known source
// location; callers fill Path/RuleName in as they become known by
// wrapping with WithPath / WithRule.
func NewInvalidRule(format string, args ...interface{}) *InvalidRuleError {
	return &InvalidRuleError{Message: NewMessagef(format, args...)}
}

func (e *InvalidRuleError) WithPath(path string) *InvalidRuleError {
	e.Path = path
	return e
}

func (e *InvalidRuleError) WithRule(name string) *InvalidRuleError {
	e.RuleName = name
	return e
}

// InvalidRuleSetError reports a corpus-level failure: an empty rule
// set, a duplicate rule name, a dependency on a rule that does not
// exist, or a dependency cycle.
type InvalidRuleSetError struct {
	Message
}

func NewInvalidRuleSet(format string, args ...interface{}) *InvalidRuleSetError {
	return &InvalidRuleSetError{Message: NewMessagef(format, args...)}
}

func (e *InvalidRuleSetError) Error() string { return e.Message.Error() }
func (e *InvalidRuleSetError) Unwrap() error { return e.Message }

// UnsupportedFormatError is surfaced by a FeatureExtractor when it is
// asked to operate on a file it cannot parse. The core never
// constructs this error itself; it only forwards it.
type UnsupportedFormatError struct {
	Message
}

func NewUnsupportedFormat(format string, args ...interface{}) *UnsupportedFormatError {
	return &UnsupportedFormatError{Message: NewMessagef(format, args...)}
}

func (e *UnsupportedFormatError) Error() string { return e.Message.Error() }
func (e *UnsupportedFormatError) Unwrap() error { return e.Message }

// List aggregates multiple errors encountered while walking a rule
// corpus: one bad file does not abort the directory walk (§7 policy),
// so the loader collects every failure and returns them together.
type List []error

func (l List) Error() string {
	if len(l) == 0 {
		return ""
	}
	if len(l) == 1 {
		return l[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors:", len(l))
	for _, err := range l {
		b.WriteString("\n\t")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap allows errors.Is/As to walk into the aggregated errors.
func (l List) Unwrap() []error { return l }

// AsList flattens err into a List, expanding it if it already is one.
func AsList(err error) List {
	if err == nil {
		return nil
	}
	if l, ok := err.(List); ok {
		return l
	}
	return List{err}
}
