package cachefetch

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

const preferredMemberExtension = ".csv"

var gzipMagic = []byte{0x1f, 0x8b}

//Extract decompresses an archived fetch body and returns the relevant member.
//
//ZIP archives are tried first. Inside a ZIP the member whose normalized name
// contains the target and carries the preferred extension is returned, a sole
// member always matches, and with no match the raw input is returned as is.
// Input that isn't a ZIP is treated as a gzip stream, and input that is
// neither container passes through unchanged.
func Extract(data []byte, target string) ([]byte, error) {

	zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return extractGzip(data)
	}

	target = normalizeMemberName(target)

	for _, member := range zipReader.File {
		name := normalizeMemberName(member.Name)

		match := strings.Contains(name, target) && strings.Contains(name, preferredMemberExtension)
		if !match && len(zipReader.File) != 1 {
			continue
		}

		file, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive member %q: %w", member.Name, err)
		}

		content, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("read archive member %q: %w", member.Name, err)
		}

		return content, nil
	}

	//No member matched, hand back the archive itself
	return data, nil
}

func extractGzip(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		//Neither ZIP nor gzip, pass the stream through unchanged
		return data, nil
	}

	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gzipReader.Close()

	content, err := io.ReadAll(gzipReader)
	if err != nil {
		return nil, fmt.Errorf("decompress gzip stream: %w", err)
	}

	return content, nil
}

//normalizeMemberName lowercases a member name and collapses spaces to
// underscores so member matching survives sloppy archive naming.
func normalizeMemberName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}
