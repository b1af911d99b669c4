package agent

import (
	"encoding/base64"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

// uploadFile decodes a base64 payload into <workingDir>/uploads/ so the
// assistant can reach it by relative path.
func (m *Manager) uploadFile(cmd protocol.CommandPayload) {
	if cmd.SessionID == "" {
		m.emitError(protocol.CodeMissingSessionID, "upload_file requires sessionId")
		return
	}
	m.mu.Lock()
	sess := m.sessions[cmd.SessionID]
	m.mu.Unlock()
	if sess == nil {
		m.emitError(protocol.CodeSessionNotFound, "no session %q", cmd.SessionID)
		return
	}
	if cmd.FileName == "" || cmd.FileContent == "" {
		m.emitError(protocol.CodeMissingFileData, "upload_file requires fileName and fileContent")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(cmd.FileContent)
	if err != nil {
		m.emitError(protocol.CodeUploadFailed, "decode file content: %v", err)
		return
	}

	name := sanitizeFileName(cmd.FileName)
	dir := filepath.Join(sess.WorkingDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.emitError(protocol.CodeUploadFailed, "create uploads dir: %v", err)
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		m.emitError(protocol.CodeUploadFailed, "write %s: %v", name, err)
		return
	}

	sess.touch()
	log.Printf("uploaded %s (%d bytes) for session %s", name, len(raw), sess.ID)
	m.emitStatus(protocol.StatusFileUploaded, sess.ID, protocol.FileUploadedData{
		FileName: name,
		FilePath: path,
		Size:     int64(len(raw)),
	})
}

// sanitizeFileName flattens a client-supplied name into something safe
// to create under uploads/. Every character outside [A-Za-z0-9._-]
// becomes an underscore, which also flattens path separators, so
// "../../etc" comes out as ".._.._etc" rather than escaping the
// directory.
func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := filepath.Base(b.String())
	if out == "" || out == "." || out == ".." {
		out = "upload"
	}
	return out
}
