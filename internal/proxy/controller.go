package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"restproxy/internal/client"
	"restproxy/internal/model"
	"restproxy/internal/pathutil"
)

// Controller binds routes to the remote base address. It holds only
// configuration and is safe for concurrent use.
type Controller struct {
	opts   Options
	logger *slog.Logger
}

// New validates opts and returns a Controller. Invalid options fail here,
// before any request is served.
func New(opts Options) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = model.DefaultTimeout
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = model.DefaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		opts:   opts,
		logger: logger.With("component", "proxy"),
	}, nil
}

// BaseAddress returns the configured remote base address.
func (p *Controller) BaseAddress() string {
	return p.opts.BaseAddress
}

// Route returns the handler for one route registration. An empty
// pathTemplate forwards the inbound path unchanged; otherwise the template's
// ":name" placeholders are filled from the inbound path parameters.
func (p *Controller) Route(pathTemplate string, mode ResponseMode) echo.HandlerFunc {
	return func(c echo.Context) error {
		out, err := p.buildRequest(c, pathTemplate)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return p.handleError(c, requestSetupError(err))
		}

		if p.opts.Debug {
			p.logger.Info("outbound request",
				"method", out.Method,
				"url", out.URL,
				"headers", headerNames(out.Header),
				"body_bytes", len(out.Body),
			)
		}

		resp, err := p.opts.Transport.Perform(c.Request().Context(), out)
		if err != nil {
			if errors.Is(err, client.ErrURLRequired) {
				return err
			}
			return p.handleError(c, Classify(err))
		}
		return p.respond(c, mode, resp)
	}
}

func (p *Controller) buildRequest(c echo.Context, pathTemplate string) (*model.OutboundRequest, error) {
	req := c.Request()

	query := pathutil.BuildQueryString(pathutil.QueryFromValues(c.QueryParams()))
	path := req.URL.EscapedPath()
	if pathTemplate != "" {
		path = pathutil.SubstitutePathTemplate(pathTemplate, pathParams(c))
	}

	var header http.Header
	if h := p.opts.HeaderGenerator(c); h != nil {
		header = h.Clone()
	} else {
		header = make(http.Header)
	}

	out := &model.OutboundRequest{
		URL:          pathutil.JoinSegments(p.opts.BaseAddress, path, query),
		Method:       req.Method,
		Header:       header,
		Timeout:      p.opts.Timeout,
		MaxBodyBytes: p.opts.MaxBodyBytes,
	}

	if !hasBody(req.Method) {
		return out, nil
	}

	if mediaType(req.Header.Get(echo.HeaderContentType)) == echo.MIMEMultipartForm {
		body, contentType, err := buildMultipart(c)
		if err != nil {
			return nil, err
		}
		out.Body = body
		header.Set(echo.HeaderContentType, contentType)
		return out, nil
	}

	v, err := decodeInbound(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	out.Body = body
	if header.Get(echo.HeaderContentType) == "" {
		header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return out, nil
}

func (p *Controller) respond(c echo.Context, mode ResponseMode, resp *model.RemoteResponse) error {
	switch mode.kind {
	case modeCustom:
		return mode.handler(c, resp)
	case modeRaw:
		return relay(c, resp, nil)
	default:
		return relay(c, resp, p.opts.ResponseHeaderGenerator)
	}
}

// relay writes the remote status and body unchanged.
func relay(c echo.Context, resp *model.RemoteResponse, extra ResponseHeaderFunc) error {
	if extra != nil {
		h := c.Response().Header()
		for k, vals := range extra(resp) {
			h[http.CanonicalHeaderKey(k)] = append([]string(nil), vals...)
		}
	}
	if len(resp.Body) == 0 {
		return c.NoContent(resp.StatusCode)
	}
	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(resp.StatusCode, contentType, resp.Body)
}

// hasBody reports whether method carries a body. DELETE is included for
// remotes that accept a body on delete.
func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func pathParams(c echo.Context) map[string]any {
	names := c.ParamNames()
	values := c.ParamValues()
	vars := make(map[string]any, len(names))
	for i, name := range names {
		if i < len(values) {
			vars[name] = values[i]
		}
	}
	return vars
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

// decodeInbound turns the inbound body into a JSON-encodable value: JSON is
// decoded, urlencoded forms become objects, an empty body becomes {} and any
// other payload is carried as a string.
func decodeInbound(req *http.Request) (any, error) {
	if req.Body == nil {
		return map[string]any{}, nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read inbound body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	mt := mediaType(req.Header.Get(echo.HeaderContentType))
	switch {
	case mt == echo.MIMEApplicationJSON || strings.HasSuffix(mt, "+json"):
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body").SetInternal(err)
		}
		return v, nil
	case mt == echo.MIMEApplicationForm:
		vals, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed form body").SetInternal(err)
		}
		return formObject(vals), nil
	default:
		return string(raw), nil
	}
}

func formObject(vals url.Values) map[string]any {
	obj := make(map[string]any, len(vals))
	for k, v := range vals {
		if len(v) == 1 {
			obj[k] = v[0]
			continue
		}
		obj[k] = v
	}
	return obj
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// buildMultipart re-encodes the inbound multipart form. Field names,
// filenames, part content types and contents are preserved.
func buildMultipart(c echo.Context) ([]byte, string, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, "malformed multipart body").SetInternal(err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, name := range sortedKeys(form.Value) {
		for _, v := range form.Value[name] {
			if err := w.WriteField(name, v); err != nil {
				return nil, "", fmt.Errorf("write field %q: %w", name, err)
			}
		}
	}

	for _, name := range sortedKeys(form.File) {
		for _, fh := range form.File[name] {
			if err := writeFilePart(w, name, fh); err != nil {
				return nil, "", err
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, field string, fh *multipart.FileHeader) error {
	contentType := fh.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(fh.Filename)))
	h.Set(echo.HeaderContentType, contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create file part %q: %w", field, err)
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open file part %q: %w", field, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy file part %q: %w", field, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func headerNames(h http.Header) []string {
	return sortedKeys(h)
}
