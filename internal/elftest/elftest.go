// Package elftest builds minimal eBPF-shaped ELF object files for
// tests. The objects carry a license section, a .text section, and a
// section header string table; nothing in them is loadable, but the
// section layout is real.
package elftest

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
)

const (
	ehsize      = 64
	shentsize   = 64
	emBPF       = 247
	shtProgbits = 1
	shtStrtab   = 3
)

// WriteObject writes a 64-bit little-endian relocatable ELF at path
// with the given license string (NUL-terminated on disk) and a
// 16-byte .text section.
func WriteObject(t testing.TB, path, license string) {
	t.Helper()

	licenseData := append([]byte(license), 0)
	textData := make([]byte, 16)
	shstrtab := []byte("\x00license\x00.text\x00.shstrtab\x00")
	const (
		nameLicense  = 1
		nameText     = 9
		nameShstrtab = 15
	)

	licenseOff := uint64(ehsize)
	textOff := licenseOff + uint64(len(licenseData))
	shstrtabOff := textOff + uint64(len(textData))
	shoff := (shstrtabOff + uint64(len(shstrtab)) + 7) &^ 7

	var buf bytes.Buffer
	le := binary.LittleEndian

	// ELF header.
	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)
	binary.Write(&buf, le, uint16(1))     // e_type: ET_REL
	binary.Write(&buf, le, uint16(emBPF)) // e_machine
	binary.Write(&buf, le, uint32(1))     // e_version
	binary.Write(&buf, le, uint64(0))     // e_entry
	binary.Write(&buf, le, uint64(0))     // e_phoff
	binary.Write(&buf, le, shoff)         // e_shoff
	binary.Write(&buf, le, uint32(0))     // e_flags
	binary.Write(&buf, le, uint16(ehsize))
	binary.Write(&buf, le, uint16(0)) // e_phentsize
	binary.Write(&buf, le, uint16(0)) // e_phnum
	binary.Write(&buf, le, uint16(shentsize))
	binary.Write(&buf, le, uint16(4)) // e_shnum
	binary.Write(&buf, le, uint16(3)) // e_shstrndx

	// Section contents, padded out to the section header table.
	buf.Write(licenseData)
	buf.Write(textData)
	buf.Write(shstrtab)
	for uint64(buf.Len()) < shoff {
		buf.WriteByte(0)
	}

	shdr := func(name, typ uint32, off, size uint64) {
		binary.Write(&buf, le, name)
		binary.Write(&buf, le, typ)
		binary.Write(&buf, le, uint64(0)) // sh_flags
		binary.Write(&buf, le, uint64(0)) // sh_addr
		binary.Write(&buf, le, off)
		binary.Write(&buf, le, size)
		binary.Write(&buf, le, uint32(0)) // sh_link
		binary.Write(&buf, le, uint32(0)) // sh_info
		binary.Write(&buf, le, uint64(1)) // sh_addralign
		binary.Write(&buf, le, uint64(0)) // sh_entsize
	}
	shdr(0, 0, 0, 0) // SHT_NULL
	shdr(nameLicense, shtProgbits, licenseOff, uint64(len(licenseData)))
	shdr(nameText, shtProgbits, textOff, uint64(len(textData)))
	shdr(nameShstrtab, shtStrtab, shstrtabOff, uint64(len(shstrtab)))

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing test object %s: %v", path, err)
	}
}
