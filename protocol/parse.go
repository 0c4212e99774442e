package protocol

import (
	"math"
	"regexp"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"prism-sync/config"
	"prism-sync/domain"
)

// MaxCursorCoordinate bounds cursor coordinates in both directions.
const MaxCursorCoordinate = 1e6

var (
	boardIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	taskIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

type envelope struct {
	Type *string                `json:"type"`
	Data sonic.NoCopyRawMessage `json:"data"`
}

// Raw payload shapes. Pointers distinguish absent fields from zero values.
type (
	identifyData struct {
		Pseudo *string `json:"pseudo"`
		Token  *string `json:"token"`
		Role   *string `json:"role"`
	}
	boardData struct {
		BoardID *string `json:"boardId"`
	}
	createData struct {
		BoardID     *string `json:"boardId"`
		Title       *string `json:"title"`
		Description *string `json:"description"`
	}
	patchData struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	updateData struct {
		BoardID     *string    `json:"boardId"`
		TaskID      *string    `json:"taskId"`
		BaseVersion *float64   `json:"baseVersion"`
		Patch       *patchData `json:"patch"`
	}
	deleteData struct {
		BoardID *string `json:"boardId"`
		TaskID  *string `json:"taskId"`
	}
	cursorData struct {
		Pseudo *string  `json:"pseudo"`
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
	}
)

// Parse decodes and validates one inbound frame. It never touches shared
// state. Every failure is a *RejectError.
func Parse(frame []byte, limits config.Limits) (Command, error) {
	if limits.MaxFrameSize > 0 && len(frame) > limits.MaxFrameSize {
		return nil, reject(TooLarge, "", "%d bytes exceeds %d", len(frame), limits.MaxFrameSize)
	}
	var env envelope
	if err := sonic.ConfigStd.Unmarshal(frame, &env); err != nil {
		return nil, reject(Malformed, "", "%v", err)
	}
	if env.Type == nil {
		return nil, reject(Schema, "", "missing type")
	}
	typ := *env.Type
	data := []byte(env.Data)
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	p := parser{typ: typ, limits: limits}
	switch typ {
	case TypeIdentify:
		return p.identify(data)
	case TypeJoinRoom:
		return p.joinRoom(data)
	case TypeListRooms:
		return ListRooms{}, nil
	case TypeCreateItem:
		return p.createItem(data)
	case TypeUpdateItem:
		return p.updateItem(data)
	case TypeDeleteItem:
		return p.deleteItem(data)
	case TypeCursorUpdate:
		return p.cursorUpdate(data)
	}
	return nil, reject(Schema, "", "unknown type %q", typ)
}

type parser struct {
	typ    string
	limits config.Limits
}

func (p parser) fail(format string, args ...any) *RejectError {
	return reject(Schema, p.typ, format, args...)
}

func (p parser) decode(data []byte, v any) error {
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return p.fail("payload: %v", err)
	}
	return nil
}

func (p parser) text(field string, v *string, min, max int) (string, error) {
	if v == nil {
		if min > 0 {
			return "", p.fail("%s is required", field)
		}
		return "", nil
	}
	n := utf8.RuneCountInString(*v)
	if n < min || n > max {
		return "", p.fail("%s length %d outside [%d,%d]", field, n, min, max)
	}
	return *v, nil
}

func (p parser) ident(field string, v *string, max int, re *regexp.Regexp) (string, error) {
	s, err := p.text(field, v, 1, max)
	if err != nil {
		return "", err
	}
	if !re.MatchString(s) {
		return "", p.fail("%s has invalid characters", field)
	}
	return s, nil
}

func (p parser) boardID(v *string) (string, error) {
	return p.ident("boardId", v, p.limits.MaxBoardIDLength, boardIDPattern)
}

func (p parser) taskID(v *string) (string, error) {
	return p.ident("taskId", v, p.limits.MaxTaskIDLength, taskIDPattern)
}

func (p parser) identify(data []byte) (Command, error) {
	var d identifyData
	if err := p.decode(data, &d); err != nil {
		return nil, err
	}
	if d.Pseudo == nil {
		return nil, p.fail("pseudo is required")
	}
	// Content rules for the pseudo belong to identity resolution; only bound
	// the raw size here.
	if utf8.RuneCountInString(*d.Pseudo) > 4*p.limits.MaxPseudoLength {
		return nil, p.fail("pseudo too long")
	}
	cmd := Identify{Pseudo: *d.Pseudo}
	if d.Token != nil {
		tok, err := p.text("token", d.Token, 0, p.limits.MaxTokenLength)
		if err != nil {
			return nil, err
		}
		cmd.Token = tok
	}
	if d.Role != nil {
		r := domain.Role(*d.Role)
		if !r.Valid() {
			return nil, p.fail("role must be user or admin")
		}
		cmd.Role = r
	}
	return cmd, nil
}

func (p parser) joinRoom(data []byte) (Command, error) {
	var d boardData
	if err := p.decode(data, &d); err != nil {
		return nil, err
	}
	id, err := p.boardID(d.BoardID)
	if err != nil {
		return nil, err
	}
	return JoinRoom{BoardID: id}, nil
}

func (p parser) createItem(data []byte) (Command, error) {
	var d createData
	if err := p.decode(data, &d); err != nil {
		return nil, err
	}
	board, err := p.boardID(d.BoardID)
	if err != nil {
		return nil, err
	}
	title, err := p.text("title", d.Title, 1, p.limits.MaxTitleLength)
	if err != nil {
		return nil, err
	}
	desc, err := p.text("description", d.Description, 0, p.limits.MaxDescriptionLength)
	if err != nil {
		return nil, err
	}
	return CreateItem{BoardID: board, Title: title, Description: desc}, nil
}

func (p parser) updateItem(data []byte) (Command, error) {
	var d updateData
	if err := p.decode(data, &d); err != nil {
		return nil, err
	}
	board, err := p.boardID(d.BoardID)
	if err != nil {
		return nil, err
	}
	task, err := p.taskID(d.TaskID)
	if err != nil {
		return nil, err
	}
	if d.BaseVersion == nil {
		return nil, p.fail("baseVersion is required")
	}
	bv := *d.BaseVersion
	if bv < 0 || bv != math.Trunc(bv) || bv > math.MaxInt32 {
		return nil, p.fail("baseVersion must be a non-negative integer")
	}
	if d.Patch == nil {
		return nil, p.fail("patch is required")
	}
	var patch domain.Patch
	if d.Patch.Title != nil {
		title, err := p.text("patch.title", d.Patch.Title, 1, p.limits.MaxTitleLength)
		if err != nil {
			return nil, err
		}
		patch.Title = &title
	}
	if d.Patch.Description != nil {
		desc, err := p.text("patch.description", d.Patch.Description, 0, p.limits.MaxDescriptionLength)
		if err != nil {
			return nil, err
		}
		patch.Description = &desc
	}
	if d.Patch.Status != nil {
		st := domain.Status(*d.Patch.Status)
		if !st.Valid() {
			return nil, p.fail("patch.status must be todo, doing or done")
		}
		patch.Status = &st
	}
	if patch.Empty() {
		return nil, p.fail("patch has no fields")
	}
	return UpdateItem{BoardID: board, TaskID: task, BaseVersion: int(bv), Patch: patch}, nil
}

func (p parser) deleteItem(data []byte) (Command, error) {
	var d deleteData
	if err := p.decode(data, &d); err != nil {
		return nil, err
	}
	board, err := p.boardID(d.BoardID)
	if err != nil {
		return nil, err
	}
	task, err := p.taskID(d.TaskID)
	if err != nil {
		return nil, err
	}
	return DeleteItem{BoardID: board, TaskID: task}, nil
}

func (p parser) cursorUpdate(data []byte) (Command, error) {
	var d cursorData
	if err := p.decode(data, &d); err != nil {
		return nil, err
	}
	if d.Pseudo != nil && utf8.RuneCountInString(*d.Pseudo) > 4*p.limits.MaxPseudoLength {
		return nil, p.fail("pseudo too long")
	}
	x, err := p.coordinate("x", d.X)
	if err != nil {
		return nil, err
	}
	y, err := p.coordinate("y", d.Y)
	if err != nil {
		return nil, err
	}
	return CursorUpdate{X: x, Y: y}, nil
}

func (p parser) coordinate(field string, v *float64) (float64, error) {
	if v == nil {
		return 0, p.fail("%s is required", field)
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > MaxCursorCoordinate {
		return 0, p.fail("%s out of range", field)
	}
	return f, nil
}
