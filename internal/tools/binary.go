package tools

import (
	"path/filepath"
	"strings"
)

// Extensions where raw bytes are not useful to the model.
var binaryExtensions = map[string]struct{}{
	".exe":   {},
	".dll":   {},
	".so":    {},
	".dylib": {},
	".a":     {},
	".o":     {},
	".wasm":  {},
	".png":   {},
	".jpg":   {},
	".jpeg":  {},
	".gif":   {},
	".pdf":   {},
	".zip":   {},
	".gz":    {},
	".tar":   {},
}

func isBinaryExtension(path string) bool {
	_, ok := binaryExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// hasBinaryContent checks the first 512 bytes for NUL bytes.
func hasBinaryContent(data []byte) bool {
	checkLen := len(data)
	if checkLen > 512 {
		checkLen = 512
	}
	for i := 0; i < checkLen; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}

func isLikelyBinaryFile(path string, data []byte) bool {
	return isBinaryExtension(path) || hasBinaryContent(data)
}
