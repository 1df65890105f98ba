package codebase

import (
	"regexp"
	"strings"
)

// SignatureExtractor lists the method signatures declared in one file.
type SignatureExtractor interface {
	// Supports reports whether the extractor understands files with ext (lowercase, with dot).
	Supports(ext string) bool
	Extract(path string, data []byte) []string
}

// JavaSourceExtractor extracts method and constructor signatures from Java
// sources with lightweight regular expressions. It is shallow (not a parser):
// parameter types are not resolved and nested types are attributed to the
// primary top-level type.
//
// Signatures have the form "com.acme.Foo.bar()".
type JavaSourceExtractor struct{}

var (
	reJavaPkg  = regexp.MustCompile(`(?m)^\s*package\s+([A-Za-z0-9_.]+)\s*;`)
	reJavaType = regexp.MustCompile(`(?m)^\s*(?:(?:public|final|abstract|sealed)\s+)*(class|interface|enum|record)\s+([A-Za-z0-9_]+)`)

	// modifiers, return type, name, "("
	reJavaMeth = regexp.MustCompile(
		`(?m)^\s*((?:(?:public|protected|private|static|final|synchronized|native|abstract|default)\s+)*)` +
			`([A-Za-z0-9_<>\[\].?]+)\s+([A-Za-z0-9_]+)\s*\(`,
	)

	// optional visibility, name, "("; a constructor when name is the type name
	reJavaCtor = regexp.MustCompile(`(?m)^\s*(?:(?:public|protected|private)\s+)?([A-Za-z0-9_]+)\s*\(`)
)

// tokens the method regex would otherwise mistake for a return type
// (statements, and modifiers in front of constructors)
var javaNonTypes = map[string]struct{}{
	"return": {}, "new": {}, "throw": {}, "else": {}, "case": {}, "package": {}, "import": {},
	"public": {}, "protected": {}, "private": {}, "static": {}, "final": {},
}

// Supports implements SignatureExtractor.
func (JavaSourceExtractor) Supports(ext string) bool {
	return ext == ".java"
}

// Extract implements SignatureExtractor.
func (JavaSourceExtractor) Extract(_ string, data []byte) []string {
	var pkg, typ string
	if m := reJavaPkg.FindSubmatch(data); m != nil {
		pkg = string(m[1])
	}
	if m := reJavaType.FindSubmatch(data); m != nil {
		typ = string(m[2])
	}

	var sigs []string
	for _, m := range reJavaMeth.FindAllSubmatch(data, -1) {
		retType := string(m[2])
		name := string(m[3])
		if _, skip := javaNonTypes[retType]; skip {
			continue
		}
		sigs = append(sigs, joinSignature(pkg, typ, name))
	}

	if typ != "" {
		for _, m := range reJavaCtor.FindAllSubmatch(data, -1) {
			if string(m[1]) == typ {
				sigs = append(sigs, joinSignature(pkg, typ, typ))
				break
			}
		}
	}
	return sigs
}

// joinSignature builds "pkg.Type.member()", skipping empty segments.
func joinSignature(pkg, typ, member string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{pkg, typ, member} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".") + "()"
}
