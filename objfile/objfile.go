// Package objfile extracts metadata from compiled eBPF object files.
// It is pure and stateless: it reads the file and nothing else.
package objfile

import (
	"debug/elf"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cilium/ebpf"
)

// Section holds the raw bytes and location of one ELF section.
type Section struct {
	Data   []byte
	Size   uint64
	Offset uint64
	// Text is the decoded section content. Only populated for the
	// license section, with trailing NULs stripped; left empty when
	// the bytes are not valid UTF-8.
	Text string
}

// sectionNames is the fixed allow-list of sections retained by
// ParseSections. eBPF toolchains place bytecode, map definitions and
// type metadata under these conventional names.
var sectionNames = map[string]bool{
	".text":    true,
	".maps":    true,
	".BTF":     true,
	".BTF.ext": true,
	"license":  true,
	"version":  true,
}

// ParseSections opens path as an ELF file and returns the allow-listed
// sections found in it.
//
// Parse failures never propagate: a file that is not ELF at all yields
// an empty map, and a section whose bytes cannot be read is skipped.
// Callers must treat "no sections found" as a possible normal outcome,
// not proof of a corrupt file.
func ParseSections(path string, logger *slog.Logger) map[string]Section {
	if logger == nil {
		logger = slog.Default()
	}
	sections := make(map[string]Section)

	f, err := elf.Open(path)
	if err != nil {
		logger.Warn("failed to parse ELF sections", "path", path, "error", err)
		return sections
	}
	defer f.Close()

	for _, s := range f.Sections {
		if !sectionNames[s.Name] {
			continue
		}
		data, err := s.Data()
		if err != nil {
			logger.Warn("failed to read ELF section", "path", path, "section", s.Name, "error", err)
			continue
		}
		sec := Section{
			Data:   data,
			Size:   s.Size,
			Offset: s.Offset,
		}
		if s.Name == "license" {
			if text := strings.TrimRight(string(data), "\x00"); utf8.ValidString(text) {
				sec.Text = text
			}
		}
		sections[s.Name] = sec
	}

	logger.Debug("parsed ELF sections", "path", path, "count", len(sections))
	return sections
}

// Info summarises what a collection inspection found in an object file.
type Info struct {
	Programs []string
	Maps     []string
	HasBTF   bool
}

// Inspect loads the object's collection spec and reports the program
// and map names it declares, plus whether BTF is present. The object
// is not loaded into the kernel.
func Inspect(path string) (Info, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return Info{}, err
	}

	info := Info{HasBTF: spec.Types != nil}
	for name := range spec.Programs {
		info.Programs = append(info.Programs, name)
	}
	for name := range spec.Maps {
		info.Maps = append(info.Maps, name)
	}
	sort.Strings(info.Programs)
	sort.Strings(info.Maps)
	return info, nil
}
