package metric

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// ISA reports the SIMD variant the kernels run on, detected once at
// process start: "avx2", "neon", "sve", or "serial". vek only carries
// an AVX2 code path; on arm64 the Go compiler's ASIMD codegen applies,
// which this reports as "neon" ("sve" when the CPU advertises it).
func ISA() string {
	return isaName
}

var isaName = detectISA()

func detectISA() string {
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX2 {
			return "avx2"
		}
		return "serial"
	case "arm64":
		if cpu.ARM64.HasSVE {
			return "sve"
		}
		return "neon"
	}
	return "serial"
}
