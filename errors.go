package meshbpf

import "fmt"

// LoadError is returned when a program cannot be loaded: the file is
// missing, has the wrong extension, or is provably invalid (no ELF
// sections and the kernel load failed too).
type LoadError struct {
	Path string
	Msg  string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Path, e.Msg, e.Err)
	}
	return fmt.Sprintf("load %s: %s", e.Path, e.Msg)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AttachError is returned when an attach or detach operation genuinely
// cannot be satisfied: the interface is missing, every XDP mode was
// exhausted, the TC filter add failed, or an explicit detach command
// failed.
type AttachError struct {
	Interface string
	Msg       string
	Err       error
}

func (e *AttachError) Error() string {
	msg := e.Msg
	if e.Interface != "" {
		msg = fmt.Sprintf("interface %s: %s", e.Interface, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AttachError) Unwrap() error { return e.Err }
