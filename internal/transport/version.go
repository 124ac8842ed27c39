package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ClientIdentifier is the version string sshcore sends, RFC 4253 §4.2:
// "SSH-2.0-<identifier>" followed by the caller-chosen end-of-line.
const ClientIdentifier = "SSH-2.0-sshcore_1.0"

// ExchangeVersions sends the client's version line and reads the server's,
// returning each side's version string with the trailing CR/LF stripped
// (the form used in the key-exchange hash, RFC 4253 §8) plus the buffered
// reader positioned immediately after the version line. That reader — not
// the raw conn — MUST be passed to transport.NewFramer: bufio.Reader reads
// ahead of the line boundary, and any bytes it pulled in past the "\n" are
// the start of the server's first binary packet.
func ExchangeVersions(conn io.ReadWriter, eol string) (clientVersion, serverVersion []byte, br *bufio.Reader, err error) {
	line := ClientIdentifier + eol
	if _, err := io.WriteString(conn, line); err != nil {
		return nil, nil, nil, fmt.Errorf("sshcore: transport: send version: %w", err)
	}
	clientVersion = []byte(ClientIdentifier)

	br = bufio.NewReader(conn)
	serverVersion, err = readVersionLine(br)
	if err != nil {
		return nil, nil, nil, err
	}
	return clientVersion, serverVersion, br, nil
}

// readVersionLine reads the server's identification string. RFC 4253 §4.2
// permits the server to send other lines before its version line; those are
// discarded.
func readVersionLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("sshcore: transport: read version: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "SSH-") {
			return []byte(line), nil
		}
	}
}
