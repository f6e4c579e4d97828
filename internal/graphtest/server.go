// graphtest/server.go
package graphtest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/xuri/excelize/v2"
)

// Fault makes an operation answer with Status. Times < 1 fails every call.
type Fault struct {
	Status int
	Code   string
	Times  int
}

var mutatingOps = map[string]bool{
	"createFolder": true,
	"upload":       true,
	"createLink":   true,
	"deleteItem":   true,
	"addTable":     true,
	"renameTable":  true,
	"setHeader":    true,
	"addRow":       true,
	"updateRow":    true,
	"deleteRow":    true,
	"patchRange":   true,
	"deleteRange":  true,
}

type item struct {
	id       string
	name     string
	path     string
	folder   bool
	mime     string
	data     []byte
	webURL   string
	shareURL string
	book     *book
}

type book struct {
	valid  bool
	warmup int
	sheet  [][]interface{}
	table  *table
}

type table struct {
	id   string
	name string
	rows int
	// address pins the range of a seeded table; created tables grow from A1.
	address string
}

// Server is an in-memory stand-in for the OneDrive and Excel parts of Graph.
type Server struct {
	*httptest.Server

	// PageSize splits children listings into pages linked by @odata.nextLink.
	PageSize int
	// WorkbookWarmup is how many workbook calls on a freshly uploaded file
	// answer 404 before the workbook becomes addressable.
	WorkbookWarmup int
	// Unauthorized makes every request answer 401.
	Unauthorized atomic.Bool

	mu     sync.Mutex
	items  map[string]*item
	byID   map[string]*item
	nextID int
	calls  map[string]int
	faults map[string]*Fault
}

// New starts a fake Graph server that is closed with the test.
func New(t testing.TB) *Server {
	s := &Server{
		items:  make(map[string]*item),
		byID:   make(map[string]*item),
		calls:  make(map[string]int),
		faults: make(map[string]*Fault),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Fail injects a fault for op.
func (s *Server) Fail(op string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f
	s.faults[op] = &cp
}

// Calls returns how many times op was requested.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Mutations is the number of write requests served so far.
func (s *Server) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for op, c := range s.calls {
		if mutatingOps[op] {
			n += c
		}
	}
	return n
}

// Exists reports whether an item lives at path.
func (s *Server) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key(path)]
	return ok
}

// IsFolder reports whether path is a folder.
func (s *Server) IsFolder(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(path)]
	return ok && it.folder
}

// Paths lists every item path, sorted.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.path)
	}
	sort.Strings(out)
	return out
}

// Data returns the content uploaded to path.
func (s *Server) Data(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key(path)]; ok {
		return it.data
	}
	return nil
}

// PutFile seeds a file. xlsx content is parsed into a workbook.
func (s *Server) PutFile(path, mime string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putFile(path, mime, data)
}

// Remove deletes path as if the user removed it outside the app.
func (s *Server) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeTree(key(path))
}

// Sheet returns a copy of the first worksheet of the workbook at path,
// header included, trailing blank rows trimmed.
func (s *Server) Sheet(path string) [][]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(path)]
	if !ok || it.book == nil {
		return nil
	}
	rows := trimRows(it.book.sheet)
	out := make([][]interface{}, len(rows))
	for i, r := range rows {
		out[i] = append([]interface{}(nil), r...)
	}
	return out
}

// HasTable reports whether the workbook at path has a structured table.
func (s *Server) HasTable(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key(path)]
	return ok && it.book != nil && it.book.table != nil
}

// AddTable seeds a table named name over address, e.g. "Sheet1!J1:K3", in
// the workbook at path.
func (s *Server) AddTable(path, name, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key(path)]; ok && it.book != nil {
		it.book.table = &table{id: "{T9}", name: name, address: address}
	}
}

// TableName returns the name of the workbook's table, or "".
func (s *Server) TableName(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key(path)]; ok && it.book != nil && it.book.table != nil {
		return it.book.table.name
	}
	return ""
}

// ShareToken encodes a sharing URL the way /shares expects it.
func ShareToken(u string) string {
	return "u!" + strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(u)), "=")
}

func key(path string) string {
	return strings.ToLower(strings.Trim(path, "/"))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") || s.Unauthorized.Load() {
		writeError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "access token is empty or invalid")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/me/drive/root/children":
		s.children(w, r, "")
	case strings.HasPrefix(p, "/me/drive/root:/"):
		rest := strings.TrimPrefix(p, "/me/drive/root:/")
		if i := strings.Index(rest, ":/"); i >= 0 {
			switch rest[i+2:] {
			case "children":
				s.children(w, r, rest[:i])
			case "content":
				s.upload(w, r, rest[:i])
			default:
				writeError(w, http.StatusBadRequest, "invalidRequest", "unsupported path")
			}
			return
		}
		s.itemByPath(w, r, strings.TrimSuffix(rest, ":"))
	case strings.HasPrefix(p, "/me/drive/items/"):
		rest := strings.TrimPrefix(p, "/me/drive/items/")
		id, sub, _ := strings.Cut(rest, "/")
		it, ok := s.byID[id]
		if !ok {
			s.calls[opFor(r.Method, sub)]++
			writeError(w, http.StatusNotFound, "itemNotFound", "item not found")
			return
		}
		switch {
		case sub == "" && r.Method == http.MethodDelete:
			if s.fault(w, "deleteItem") {
				return
			}
			s.removeTree(key(it.path))
			w.WriteHeader(http.StatusNoContent)
		case sub == "createLink":
			s.createLink(w, it)
		case strings.HasPrefix(sub, "workbook/"):
			s.workbook(w, r, it, strings.TrimPrefix(sub, "workbook/"))
		default:
			writeError(w, http.StatusBadRequest, "invalidRequest", "unsupported item path")
		}
	case strings.HasPrefix(p, "/shares/"):
		token := strings.TrimSuffix(strings.TrimPrefix(p, "/shares/"), "/driveItem")
		s.resolveShare(w, token)
	default:
		writeError(w, http.StatusNotFound, "invalidRequest", "unknown endpoint "+p)
	}
}

func opFor(method, sub string) string {
	if sub == "" && method == http.MethodDelete {
		return "deleteItem"
	}
	return "item:" + sub
}

// fault records the call and answers with an injected failure if one is armed.
func (s *Server) fault(w http.ResponseWriter, op string) bool {
	s.calls[op]++
	f, ok := s.faults[op]
	if !ok {
		return false
	}
	if f.Times > 0 {
		f.Times--
		if f.Times == 0 {
			delete(s.faults, op)
		}
	}
	code := f.Code
	if code == "" {
		code = "injectedFault"
	}
	writeError(w, f.Status, code, "injected fault for "+op)
	return true
}

func (s *Server) itemByPath(w http.ResponseWriter, r *http.Request, path string) {
	op := "getItem"
	if r.Method == http.MethodDelete {
		op = "deleteItem"
	}
	if s.fault(w, op) {
		return
	}
	it, ok := s.items[key(path)]
	if !ok {
		writeError(w, http.StatusNotFound, "itemNotFound", "The resource could not be found.")
		return
	}
	if r.Method == http.MethodDelete {
		s.removeTree(key(path))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, it.view())
}

func (s *Server) children(w http.ResponseWriter, r *http.Request, parent string) {
	if r.Method == http.MethodPost {
		s.createFolder(w, r, parent)
		return
	}
	if s.fault(w, "listChildren") {
		return
	}
	if parent != "" {
		if it, ok := s.items[key(parent)]; !ok || !it.folder {
			writeError(w, http.StatusNotFound, "itemNotFound", "The resource could not be found.")
			return
		}
	}
	var kids []*item
	prefix := key(parent)
	for k, it := range s.items {
		dir := ""
		if i := strings.LastIndex(k, "/"); i >= 0 {
			dir = k[:i]
		}
		if dir == prefix {
			kids = append(kids, it)
		}
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i].path < kids[j].path })

	skip, _ := strconv.Atoi(r.URL.Query().Get("$skiptoken"))
	if skip > len(kids) {
		skip = len(kids)
	}
	end := len(kids)
	next := ""
	if s.PageSize > 0 && skip+s.PageSize < len(kids) {
		end = skip + s.PageSize
		next = fmt.Sprintf("%s%s?$skiptoken=%d", s.URL, r.URL.Path, end)
	}
	page := make([]map[string]interface{}, 0, end-skip)
	for _, it := range kids[skip:end] {
		page = append(page, it.view())
	}
	body := map[string]interface{}{"value": page}
	if next != "" {
		body["@odata.nextLink"] = next
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) createFolder(w http.ResponseWriter, r *http.Request, parent string) {
	if s.fault(w, "createFolder") {
		return
	}
	var req struct {
		Name     string `json:"name"`
		Conflict string `json:"@microsoft.graph.conflictBehavior"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalidRequest", "name required")
		return
	}
	if parent != "" {
		if it, ok := s.items[key(parent)]; !ok || !it.folder {
			writeError(w, http.StatusNotFound, "itemNotFound", "parent not found")
			return
		}
	}
	name := req.Name
	for n := 1; s.items[key(join(parent, name))] != nil; n++ {
		if req.Conflict != "rename" {
			writeError(w, http.StatusConflict, "nameAlreadyExists", "name already exists")
			return
		}
		name = fmt.Sprintf("%s %d", req.Name, n)
	}
	it := s.add(join(parent, name), true)
	writeJSON(w, http.StatusCreated, it.view())
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, path string) {
	if s.fault(w, "upload") {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}
	it := s.putFile(path, r.Header.Get("Content-Type"), data)
	writeJSON(w, http.StatusCreated, it.view())
}

func (s *Server) createLink(w http.ResponseWriter, it *item) {
	if s.fault(w, "createLink") {
		return
	}
	it.shareURL = "https://1drv.test/s/" + it.id
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":   "perm-" + it.id,
		"link": map[string]string{"type": "view", "scope": "anonymous", "webUrl": it.shareURL},
	})
}

func (s *Server) resolveShare(w http.ResponseWriter, token string) {
	if s.fault(w, "resolveShare") {
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, "u!"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalidRequest", "bad share token")
		return
	}
	u := string(raw)
	for _, it := range s.items {
		if it.webURL == u || (it.shareURL != "" && it.shareURL == u) {
			writeJSON(w, http.StatusOK, it.view())
			return
		}
	}
	writeError(w, http.StatusNotFound, "itemNotFound", "share not found")
}

var rangeAddr = regexp.MustCompile(`^range\(address='([A-Z]+)(\d+):([A-Z]+)(\d+)'\)(/delete)?$`)

func (s *Server) workbook(w http.ResponseWriter, r *http.Request, it *item, sub string) {
	b := it.book
	if b != nil && b.warmup > 0 {
		b.warmup--
		s.calls["warmup"]++
		writeError(w, http.StatusNotFound, "ItemNotFound", "workbook is not ready")
		return
	}
	if b == nil || !b.valid {
		s.calls["listWorksheets"]++
		writeError(w, http.StatusBadRequest, "InvalidArgument", "The file format is not recognized.")
		return
	}

	switch {
	case sub == "worksheets":
		if s.fault(w, "listWorksheets") {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"value": []map[string]string{{"id": "{S1}", "name": "Sheet1"}},
		})
	case sub == "tables":
		if s.fault(w, "listTables") {
			return
		}
		list := []map[string]string{}
		if b.table != nil {
			list = append(list, map[string]string{"id": b.table.id, "name": b.table.name})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"value": list})
	case strings.HasPrefix(sub, "worksheets/"):
		_, rest, _ := strings.Cut(strings.TrimPrefix(sub, "worksheets/"), "/")
		s.worksheet(w, r, b, rest)
	case strings.HasPrefix(sub, "tables/"):
		name, rest, _ := strings.Cut(strings.TrimPrefix(sub, "tables/"), "/")
		if b.table == nil || (name != b.table.id && !strings.EqualFold(name, b.table.name)) {
			s.calls["table:"+rest]++
			writeError(w, http.StatusNotFound, "ItemNotFound", "table not found")
			return
		}
		s.table(w, r, b, rest)
	default:
		writeError(w, http.StatusBadRequest, "invalidRequest", "unsupported workbook path")
	}
}

func (s *Server) worksheet(w http.ResponseWriter, r *http.Request, b *book, rest string) {
	switch {
	case rest == "tables/add":
		if s.fault(w, "addTable") {
			return
		}
		if b.table != nil {
			writeError(w, http.StatusBadRequest, "InvalidArgument", "table overlaps an existing table")
			return
		}
		b.table = &table{id: "{T1}", name: "Table1"}
		if len(b.sheet) == 0 {
			b.sheet = append(b.sheet, make([]interface{}, 8))
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": b.table.id, "name": b.table.name})
	case strings.HasPrefix(rest, "usedRange"):
		if s.fault(w, "usedRange") {
			return
		}
		rows := trimRows(b.sheet)
		if len(rows) == 0 {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"address": "Sheet1!A1", "rowIndex": 0, "rowCount": 1, "values": [][]interface{}{{""}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"address":  fmt.Sprintf("Sheet1!A1:H%d", len(rows)),
			"rowIndex": 0,
			"rowCount": len(rows),
			"values":   rows,
		})
	default:
		m := rangeAddr.FindStringSubmatch(rest)
		if m == nil || m[2] != m[4] {
			writeError(w, http.StatusBadRequest, "InvalidArgument", "unsupported range "+rest)
			return
		}
		row, _ := strconv.Atoi(m[2])
		if m[5] != "" {
			if s.fault(w, "deleteRange") {
				return
			}
			if row-1 < len(b.sheet) {
				b.sheet = append(b.sheet[:row-1], b.sheet[row:]...)
				if b.table != nil && row-1 >= 1 && row-1 <= b.table.rows {
					b.table.rows--
				}
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if s.fault(w, "patchRange") {
			return
		}
		values, ok := decodeValues(w, r)
		if !ok {
			return
		}
		for len(b.sheet) < row {
			b.sheet = append(b.sheet, make([]interface{}, 8))
		}
		b.sheet[row-1] = values[0]
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": rest, "values": values})
	}
}

var itemAt = regexp.MustCompile(`^rows/itemAt\(index=(\d+)\)$`)

func (s *Server) table(w http.ResponseWriter, r *http.Request, b *book, rest string) {
	t := b.table
	switch {
	case rest == "" && r.Method == http.MethodPatch:
		if s.fault(w, "renameTable") {
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "" {
			t.name = req.Name
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": t.id, "name": t.name})
	case rest == "range" && r.Method == http.MethodGet:
		if s.fault(w, "tableRange") {
			return
		}
		addr := t.address
		if addr == "" {
			addr = fmt.Sprintf("Sheet1!A1:H%d", 1+t.rows)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr})
	case rest == "headerRowRange":
		if s.fault(w, "setHeader") {
			return
		}
		values, ok := decodeValues(w, r)
		if !ok {
			return
		}
		b.sheet[0] = values[0]
		writeJSON(w, http.StatusOK, map[string]interface{}{"values": values})
	case rest == "rows" && r.Method == http.MethodGet:
		if s.fault(w, "listRows") {
			return
		}
		list := make([]map[string]interface{}, 0, t.rows)
		for i := 0; i < t.rows; i++ {
			list = append(list, map[string]interface{}{
				"index":  i,
				"values": [][]interface{}{b.sheet[1+i]},
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"value": list})
	case rest == "rows" && r.Method == http.MethodPost:
		if s.fault(w, "addRow") {
			return
		}
		values, ok := decodeValues(w, r)
		if !ok {
			return
		}
		at := 1 + t.rows
		for len(b.sheet) < at {
			b.sheet = append(b.sheet, make([]interface{}, 8))
		}
		b.sheet = append(b.sheet[:at], append([][]interface{}{values[0]}, b.sheet[at:]...)...)
		t.rows++
		writeJSON(w, http.StatusCreated, map[string]interface{}{"index": t.rows - 1, "values": values})
	default:
		m := itemAt.FindStringSubmatch(rest)
		if m == nil {
			writeError(w, http.StatusBadRequest, "invalidRequest", "unsupported table path "+rest)
			return
		}
		idx, _ := strconv.Atoi(m[1])
		op := "updateRow"
		if r.Method == http.MethodDelete {
			op = "deleteRow"
		}
		if s.fault(w, op) {
			return
		}
		if idx >= t.rows {
			writeError(w, http.StatusNotFound, "ItemNotFound", "row not found")
			return
		}
		if r.Method == http.MethodDelete {
			b.sheet = append(b.sheet[:1+idx], b.sheet[2+idx:]...)
			t.rows--
			w.WriteHeader(http.StatusNoContent)
			return
		}
		values, ok := decodeValues(w, r)
		if !ok {
			return
		}
		b.sheet[1+idx] = values[0]
		writeJSON(w, http.StatusOK, map[string]interface{}{"index": idx, "values": values})
	}
}

func decodeValues(w http.ResponseWriter, r *http.Request) ([][]interface{}, bool) {
	var req struct {
		Values [][]interface{} `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Values) != 1 {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "values must hold exactly one row")
		return nil, false
	}
	return req.Values, true
}

func (s *Server) add(path string, folder bool) *item {
	s.nextID++
	path = strings.Trim(path, "/")
	it := &item{
		id:     fmt.Sprintf("ITEM%03d", s.nextID),
		name:   path[strings.LastIndex(path, "/")+1:],
		path:   path,
		folder: folder,
		webURL: "https://onedrive.test/personal/" + path,
	}
	s.items[key(path)] = it
	s.byID[it.id] = it
	return it
}

func (s *Server) putFile(path, mime string, data []byte) *item {
	path = strings.Trim(path, "/")
	// Graph creates missing parents on upload.
	segs := strings.Split(path, "/")
	for i := 1; i < len(segs); i++ {
		dir := strings.Join(segs[:i], "/")
		if _, ok := s.items[key(dir)]; !ok {
			s.add(dir, true)
		}
	}
	it, ok := s.items[key(path)]
	if !ok {
		it = s.add(path, false)
	}
	it.mime = mime
	it.data = append([]byte(nil), data...)
	it.book = nil
	if strings.HasSuffix(strings.ToLower(path), ".xlsx") {
		it.book = parseBook(data)
		it.book.warmup = s.WorkbookWarmup
	}
	return it
}

func parseBook(data []byte) *book {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return &book{valid: false}
	}
	defer f.Close()
	b := &book{valid: true}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return b
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return b
	}
	for _, r := range rows {
		row := make([]interface{}, len(r))
		for i, v := range r {
			row[i] = v
		}
		b.sheet = append(b.sheet, row)
	}
	return b
}

func (s *Server) removeTree(k string) {
	for p, it := range s.items {
		if p == k || strings.HasPrefix(p, k+"/") {
			delete(s.items, p)
			delete(s.byID, it.id)
		}
	}
}

func (it *item) view() map[string]interface{} {
	v := map[string]interface{}{
		"id":     it.id,
		"name":   it.name,
		"webUrl": it.webURL,
		"size":   len(it.data),
	}
	if it.folder {
		v["folder"] = map[string]int{"childCount": 0}
	} else {
		v["file"] = map[string]string{"mimeType": it.mime}
	}
	return v
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return strings.Trim(parent, "/") + "/" + name
}

func trimRows(rows [][]interface{}) [][]interface{} {
	end := len(rows)
	for end > 0 && blank(rows[end-1]) {
		end--
	}
	return rows[:end]
}

func blank(row []interface{}) bool {
	for _, v := range row {
		if v != nil && fmt.Sprint(v) != "" {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
