//go:build !rp2040 && !rp2350

// Package fileserver serves a card's files over HTTP: a directory index,
// downloads, multipart uploads and deletion, each behind its own switch.
package fileserver

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/config"
	"sdcard-go/services/sdcard/internal/fileops"
	"sdcard-go/types"
	"sdcard-go/x/logx"
)

// ChunkSize bounds each read from and write to the card.
const ChunkSize = 512

// Storage is the part of the component the server drives.
type Storage interface {
	IsDirectory(ctx context.Context, path string) (bool, error)
	ListDirectory(ctx context.Context, path string, depth int, pattern string) ([]types.FileInfo, error)
	FileSize(ctx context.Context, path string) (uint64, error)
	ReadFileStream(ctx context.Context, path string, offset int64, bufferSize int) (*fileops.Stream, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	AppendFile(ctx context.Context, path string, data []byte) error
	DeleteFile(ctx context.Context, path string) error
}

type Server struct {
	st     Storage
	cfg    config.FileServer
	prefix string
	log    *logx.Logger
}

func New(st Storage, cfg config.FileServer) *Server {
	prefix := "/" + strings.Trim(cfg.URLPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	cfg.RootPath = path.Clean("/" + cfg.RootPath)
	return &Server{st: st, cfg: cfg, prefix: prefix, log: logx.For(logx.ComponentFileSrv).With("prefix", prefix)}
}

// Prefix is the URL path the server answers under, without a trailing slash.
func (s *Server) Prefix() string { return s.prefix }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel, ok := s.relative(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	p := path.Join(s.cfg.RootPath, rel)
	s.log.Debug("request", "method", r.Method, "path", p)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.get(w, r, p)
	case http.MethodPost:
		s.upload(w, r, p)
	case http.MethodDelete:
		s.delete(w, r, p)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// relative strips the URL prefix. A path outside it is not ours.
func (s *Server) relative(u string) (string, bool) {
	if s.prefix == "" {
		return u, true
	}
	if u == s.prefix {
		return "/", true
	}
	rest, ok := strings.CutPrefix(u, s.prefix+"/")
	if !ok {
		return "", false
	}
	return "/" + rest, true
}

// external maps a card path back to its URL.
func (s *Server) external(p string) string {
	rel := p
	if s.cfg.RootPath != "/" {
		rel = strings.TrimPrefix(p, s.cfg.RootPath)
	}
	if rel == "" || rel == "/" {
		if s.prefix == "" {
			return "/"
		}
		return s.prefix
	}
	return s.prefix + rel
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, p string) {
	ctx := r.Context()
	dir, err := s.st.IsDirectory(ctx, p)
	if err != nil {
		s.fail(w, err)
		return
	}
	if dir {
		s.index(w, r, p)
		return
	}
	if !s.cfg.EnableDownload {
		http.Error(w, "file download is disabled", http.StatusUnauthorized)
		return
	}
	s.download(w, r, p)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, p string) {
	ctx := r.Context()
	size, err := s.st.FileSize(ctx, p)
	if err != nil {
		s.fail(w, err)
		return
	}
	stream, err := s.st.ReadFileStream(ctx, p, 0, ChunkSize)
	if err != nil {
		s.fail(w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", ContentType(p))
	h.Set("Content-Length", strconv.FormatUint(size, 10))
	h.Set("Content-Disposition", `attachment; filename="`+path.Base(p)+`"`)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	for chunk, err := range stream.All(ctx) {
		if err != nil {
			// Headers are gone; all that is left is to cut the body short.
			s.log.Warn("download aborted", "path", p, "err", err)
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
	}
}

// entry is one row of the directory index.
type entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	URL   string `json:"url"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	Human string `json:"size_human,omitempty"`
	Kind  string `json:"type"`
}

type listing struct {
	Path     string  `json:"path"`
	Parent   string  `json:"parent,omitempty"`
	Entries  []entry `json:"entries"`
	Download bool    `json:"download"`
	Upload   bool    `json:"upload"`
	Delete   bool    `json:"delete"`
}

func (s *Server) index(w http.ResponseWriter, r *http.Request, p string) {
	infos, err := s.st.ListDirectory(r.Context(), p, 0, "")
	if err != nil {
		s.fail(w, err)
		return
	}
	l := listing{
		Path:     s.external(p),
		Entries:  make([]entry, 0, len(infos)),
		Download: s.cfg.EnableDownload,
		Upload:   s.cfg.EnableUpload,
		Delete:   s.cfg.EnableDeletion,
	}
	if p != s.cfg.RootPath {
		l.Parent = s.external(path.Dir(p))
	}
	for _, fi := range infos {
		name := path.Base(fi.Path)
		// Listing paths carry the mount point; rebuild from the request.
		cp := path.Join(p, name)
		e := entry{Name: name, Path: cp, URL: s.external(cp), IsDir: fi.IsDir, Size: fi.Size}
		if fi.IsDir {
			e.Kind = "Folder"
		} else {
			e.Human, e.Kind = HumanSize(fi.Size), FileType(name)
		}
		l.Entries = append(l.Entries, e)
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(l)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexPage.Execute(w, l); err != nil {
		s.log.Warn("index render", "err", err)
	}
}

// upload stores every file part of a multipart form in directory p.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, p string) {
	if !s.cfg.EnableUpload {
		http.Error(w, "file upload is disabled", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	if dir, err := s.st.IsDirectory(ctx, p); err != nil {
		s.fail(w, err)
		return
	} else if !dir {
		http.Error(w, "upload target is not a directory", http.StatusBadRequest)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var stored []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		name := path.Base(part.FileName())
		if part.FileName() == "" || name == "." || name == "/" {
			part.Close()
			continue
		}
		dst := path.Join(p, name)
		err = s.store(ctx, dst, part)
		part.Close()
		if err != nil {
			s.fail(w, err)
			return
		}
		s.log.Info("uploaded", "path", dst)
		stored = append(stored, s.external(dst))
	}
	if len(stored) == 0 {
		http.Error(w, "no file in upload", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, "uploaded "+strings.Join(stored, ", ")+"\n")
}

// store writes src to dst in ChunkSize pieces: the first truncates, the
// rest append.
func (s *Server) store(ctx context.Context, dst string, src io.Reader) error {
	buf := make([]byte, ChunkSize)
	first := true
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 || first {
			put := s.st.AppendFile
			if first {
				put = s.st.WriteFile
			}
			if werr := put(ctx, dst, buf[:n]); werr != nil {
				return werr
			}
			first = false
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case err != nil:
			return &errcode.E{C: errcode.IOError, Op: "upload", Path: dst, Err: err}
		}
	}
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, p string) {
	if !s.cfg.EnableDeletion {
		http.Error(w, "file deletion is disabled", http.StatusUnauthorized)
		return
	}
	if err := s.st.DeleteFile(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("deleted", "path", p)
	io.WriteString(w, "file deleted\n")
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := Status(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", "err", err)
	}
	http.Error(w, err.Error(), code)
}

// Status maps an error code to its HTTP status.
func Status(err error) int {
	switch errcode.Of(err) {
	case errcode.NotFound, errcode.PathNotFound:
		return http.StatusNotFound
	case errcode.InvalidPath, errcode.InvalidParams:
		return http.StatusBadRequest
	case errcode.IsDir, errcode.NotEmpty, errcode.Exists:
		return http.StatusConflict
	case errcode.NotMounted, errcode.CardNotReady:
		return http.StatusServiceUnavailable
	case errcode.NoSpace:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

// ContentType guesses from the extension, falling back to octet-stream.
func ContentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

var fileTypes = map[string]string{
	"mp3": "Audio (MP3)", "wav": "Audio (WAV)", "flac": "Audio (FLAC)",
	"gif": "Image (GIF)", "png": "Image (PNG)", "jpg": "Image (JPG)", "jpeg": "Image (JPEG)", "bmp": "Image (BMP)",
	"txt": "Text (TXT)", "log": "Text (LOG)", "csv": "Text (CSV)",
	"html": "Web (HTML)", "css": "Web (CSS)", "js": "Web (JS)",
	"json": "Data (JSON)", "xml": "Data (XML)",
	"zip": "Archive (ZIP)", "gz": "Archive (GZ)", "tar": "Archive (TAR)",
}

// FileType is the index's human label for a file name.
func FileType(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "File"
	}
	ext := strings.ToLower(name[i+1:])
	if t, ok := fileTypes[ext]; ok {
		return t
	}
	return "File (" + ext + ")"
}

// HumanSize renders n with two decimals in B, KB, MB or GB.
func HumanSize(n int64) string {
	units := [...]string{"B", "KB", "MB", "GB"}
	v, u := float64(n), 0
	for v >= 1024 && u < len(units)-1 {
		v /= 1024
		u++
	}
	return strconv.FormatFloat(v, 'f', 2, 64) + " " + units[u]
}

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Path}}</title></head>
<body>
<h1>{{.Path}}</h1>
{{if .Parent}}<p><a href="{{.Parent}}">..</a></p>{{end}}
<table>
<tr><th>Name</th><th>Type</th><th>Size</th><th></th></tr>
{{range .Entries}}<tr>
<td>{{if .IsDir}}<a href="{{.URL}}">{{.Name}}/</a>{{else if $.Download}}<a href="{{.URL}}">{{.Name}}</a>{{else}}{{.Name}}{{end}}</td>
<td>{{.Kind}}</td><td>{{.Human}}</td>
<td>{{if and $.Delete (not .IsDir)}}<button onclick="fetch('{{.URL}}',{method:'DELETE'}).then(()=>location.reload())">delete</button>{{end}}</td>
</tr>
{{end}}</table>
{{if .Upload}}<form method="post" enctype="multipart/form-data"><input type="file" name="file" multiple><input type="submit" value="upload"></form>{{end}}
</body></html>
`))
