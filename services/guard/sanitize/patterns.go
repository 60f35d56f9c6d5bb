// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sanitize

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// defaultInjectionExprs are the phrases treated as prompt-injection
// attempts. Matches are wrapped, never rejected, so a false positive
// costs a little framing text rather than a lost request.
var defaultInjectionExprs = []string{
	`(?i)\bignore\s+previous\s+instructions\b`,
	`(?i)\bdisregard\s+previous\s+instructions\b`,
	`(?i)\byou\s+are\s+now\b`,
	`(?i)\bsystem\s*:`,
	`(?i)\bact\s+as\s+if\b`,
	`(?i)\bjailbreak\b`,
	`(?i)\bdeveloper\s+mode\b`,
	`(?i)\bpretend\s+to\s+be\b`,
}

// operatorExpr finds document-store operator tokens: a dollar sign
// directly followed by letters ($where, $regex). Dollar-digit ($5) is
// ordinary text.
var operatorExpr = regexp.MustCompile(`\$[A-Za-z]+`)

// patternSet is one immutable compiled snapshot. Reloads build a new
// set and swap the pointer; in-flight requests keep the set they
// started with.
type patternSet struct {
	injections []*regexp.Regexp
}

func compileSet(exprs []string) (*patternSet, error) {
	set := &patternSet{injections: make([]*regexp.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", expr, err)
		}
		set.injections = append(set.injections, re)
	}
	return set, nil
}

func defaultPatternSet() *patternSet {
	set, err := compileSet(defaultInjectionExprs)
	if err != nil {
		panic(fmt.Sprintf("sanitize: default patterns do not compile: %v", err))
	}
	return set
}

// patternsFile is the YAML override schema:
//
//	injections:
//	  - '(?i)\bignore\s+previous\s+instructions\b'
type patternsFile struct {
	Injections []string `yaml:"injections"`
}

func loadPatternsFile(path string) (*patternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patterns file: %w", err)
	}
	var pf patternsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing patterns file: %w", err)
	}
	return compileSet(pf.Injections)
}
