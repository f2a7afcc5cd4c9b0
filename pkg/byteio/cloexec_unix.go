//go:build unix

package byteio

import (
	"os"
	"syscall"
)

func setCloexec(f *os.File) {
	syscall.CloseOnExec(int(f.Fd()))
}
