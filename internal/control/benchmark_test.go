package control

import (
	"fmt"
	"strings"
	"testing"
)

var benchRelease = `Origin: Debian
Label: Debian
Suite: stable
Version: 12.5
Codename: bookworm
Date: Sat, 10 Feb 2024 10:52:33 UTC
Architectures: all amd64 arm64 armel armhf i386 mips64el mipsel ppc64el s390x
Components: main contrib non-free-firmware non-free
Description: Debian 12.5 Released 10 February 2024
SHA256:
 f2e6a27a3b1b61c3bc3a0b1c7d3a8e7e3a5e2c8b1d6f4a9e0c7b2d5e8f1a3c6b  1484322 contrib/Contents-all
 4a9e0c7b2d5e8f1a3c6bf2e6a27a3b1b61c3bc3a0b1c7d3a8e7e3a5e2c8b1d6f  98581 contrib/Contents-all.gz
`

func benchPackages(n int) string {
	var sb strings.Builder
	for i := range n {
		fmt.Fprintf(&sb, "Package: pkg%d\nVersion: 1.%d\nArchitecture: amd64\nDepends: libc6 (>= 2.34), zlib1g\nDescription: package %d\n long description\n .\n second paragraph\n\n", i, i, i)
	}
	return sb.String()
}

func BenchmarkParseRelease(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = Parse(benchRelease)
	}
}

func BenchmarkParagraphs_Packages(b *testing.B) {
	data := benchPackages(1000)
	b.SetBytes(int64(len(data)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for p, err := range Paragraphs(strings.NewReader(data)) {
			if err != nil {
				b.Fatal(err)
			}
			_ = p.Value("Package")
		}
	}
}

func BenchmarkSplitList(b *testing.B) {
	value := "all amd64 arm64 armel armhf i386 mips64el mipsel ppc64el s390x"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = SplitList(value)
	}
}
