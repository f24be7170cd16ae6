package engine

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"tablekit/internal/metadata"
)

type Handler struct {
	engine *Engine
}

func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// --- apps ---

// CreateApp handles POST /api/apps
func (h *Handler) CreateApp(c *fiber.Ctx) error {
	var body struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Description string `json:"description"`
	}
	if err := decodeBody(c, &body); err != nil {
		return respondError(c, err)
	}
	app, err := h.engine.CreateApp(c.UserContext(), body.Name, body.DisplayName, body.Description)
	if err != nil {
		return handleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": app})
}

// ListApps handles GET /api/apps
func (h *Handler) ListApps(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.engine.ListApps()})
}

// UpdateApp handles PATCH /api/apps/:app
func (h *Handler) UpdateApp(c *fiber.Ctx) error {
	var upd AppUpdate
	if err := decodeBody(c, &upd); err != nil {
		return respondError(c, err)
	}
	app, err := h.engine.UpdateApp(c.UserContext(), appParam(c), upd)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": app})
}

// --- tables ---

// DefineTable handles POST /api/apps/:app/tables
func (h *Handler) DefineTable(c *fiber.Ctx) error {
	var def metadata.TableDefinition
	if err := decodeBody(c, &def); err != nil {
		return respondError(c, err)
	}
	t, err := h.engine.DefineTable(c.UserContext(), appParam(c), def)
	if err != nil {
		return handleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": t})
}

// ListTables handles GET /api/apps/:app/tables
func (h *Handler) ListTables(c *fiber.Ctx) error {
	tables, err := h.engine.ListTables(c.UserContext(), appParam(c))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": tables})
}

// GetTable handles GET /api/apps/:app/tables/:table
func (h *Handler) GetTable(c *fiber.Ctx) error {
	t, err := h.engine.GetTable(tableKey(c))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": t})
}

// UpdateTable handles PATCH /api/apps/:app/tables/:table
func (h *Handler) UpdateTable(c *fiber.Ctx) error {
	var upd metadata.TableUpdate
	if err := decodeBody(c, &upd); err != nil {
		return respondError(c, err)
	}
	t, err := h.engine.UpdateTable(c.UserContext(), tableKey(c), upd)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": t})
}

// DeleteTable handles DELETE /api/apps/:app/tables/:table
func (h *Handler) DeleteTable(c *fiber.Ctx) error {
	key := tableKey(c)
	if err := h.engine.DeleteTable(c.UserContext(), key); err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"app": key.App, "table": key.Table}})
}

// AddColumn handles POST /api/apps/:app/tables/:table/columns
func (h *Handler) AddColumn(c *fiber.Ctx) error {
	var col metadata.Column
	if err := decodeBody(c, &col); err != nil {
		return respondError(c, err)
	}
	t, err := h.engine.AddColumn(c.UserContext(), tableKey(c), col)
	if err != nil {
		return handleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": t})
}

// DropColumn handles DELETE /api/apps/:app/tables/:table/columns/:column
func (h *Handler) DropColumn(c *fiber.Ctx) error {
	t, err := h.engine.DropColumn(c.UserContext(), tableKey(c), strings.ToLower(c.Params("column")))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": t})
}

// --- records ---

// List handles GET /api/apps/:app/data/:table
func (h *Handler) List(c *fiber.Ctx) error {
	key := tableKey(c)
	t, err := h.engine.GetTable(key)
	if err != nil {
		return handleError(c, err)
	}

	params := make(map[string]string)
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})

	filter, err := ParseFlatFilter(params)
	if err != nil {
		return handleError(c, err)
	}
	sortBy, err := ParseSort(t, params["sort"])
	if err != nil {
		return handleError(c, err)
	}
	limitParam := firstNonEmpty(params["limit"], params["per_page"], params["page_size"])
	page, err := h.pageSpec(params["page"], limitParam)
	if err != nil {
		return handleError(c, err)
	}
	return h.respondList(c, key, Query{Filter: filter, Sort: sortBy, Page: page})
}

// Query handles POST /api/apps/:app/data/:table/query
func (h *Handler) Query(c *fiber.Ctx) error {
	key := tableKey(c)
	t, err := h.engine.GetTable(key)
	if err != nil {
		return handleError(c, err)
	}

	var body struct {
		Filter any `json:"filter"`
		Sort   any `json:"sort"`
		Page   any `json:"page"`
		Limit  any `json:"limit"`
	}
	if len(bytes.TrimSpace(c.Body())) > 0 {
		if err := decodeBody(c, &body); err != nil {
			return respondError(c, err)
		}
	}

	filter, err := ParseFilter(body.Filter)
	if err != nil {
		return handleError(c, err)
	}
	rawSort, err := sortString(body.Sort)
	if err != nil {
		return handleError(c, err)
	}
	sortBy, err := ParseSort(t, rawSort)
	if err != nil {
		return handleError(c, err)
	}
	page, err := h.pageSpec(scalarString(body.Page), scalarString(body.Limit))
	if err != nil {
		return handleError(c, err)
	}
	return h.respondList(c, key, Query{Filter: filter, Sort: sortBy, Page: page})
}

func (h *Handler) respondList(c *fiber.Ctx, key metadata.TableKey, q Query) error {
	res, err := h.engine.List(c.UserContext(), key, q)
	if err != nil {
		return handleError(c, err)
	}
	items := res.Items
	if items == nil {
		items = []*Record{}
	}
	pages := 0
	if q.Page.Size > 0 {
		pages = (res.Total + q.Page.Size - 1) / q.Page.Size
	}
	return c.JSON(fiber.Map{
		"data":  items,
		"total": res.Total,
		"page":  q.Page.Page,
		"limit": q.Page.Size,
		"pages": pages,
	})
}

// pageSpec parses page and limit. The limit defaults to the configured
// page size and is capped at the configured maximum.
func (h *Handler) pageSpec(rawPage, rawLimit string) (PageSpec, error) {
	opts := h.engine.Options()
	ps := PageSpec{Page: 1, Size: opts.DefaultPageSize}
	if rawPage != "" {
		n, err := strconv.Atoi(strings.TrimSpace(rawPage))
		if err != nil || n < 1 {
			return ps, InvalidFilterError("page must be a positive integer, got %q", rawPage)
		}
		ps.Page = n
	}
	if rawLimit != "" {
		n, err := strconv.Atoi(strings.TrimSpace(rawLimit))
		if err != nil || n < 1 {
			return ps, InvalidFilterError("limit must be a positive integer, got %q", rawLimit)
		}
		ps.Size = n
	}
	if ps.Size > opts.MaxPageSize {
		ps.Size = opts.MaxPageSize
	}
	return ps, nil
}

// Create handles POST /api/apps/:app/data/:table
func (h *Handler) Create(c *fiber.Ctx) error {
	var body map[string]any
	if err := decodeBody(c, &body); err != nil {
		return respondError(c, err)
	}
	rec, err := h.engine.Create(c.UserContext(), tableKey(c), body)
	if err != nil {
		return handleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": rec})
}

// GetByID handles GET /api/apps/:app/data/:table/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	id, idErr := recordID(c)
	if idErr != nil {
		return respondError(c, idErr)
	}
	rec, err := h.engine.Get(c.UserContext(), tableKey(c), id)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Update handles PUT and PATCH /api/apps/:app/data/:table/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	id, idErr := recordID(c)
	if idErr != nil {
		return respondError(c, idErr)
	}
	var body map[string]any
	if err := decodeBody(c, &body); err != nil {
		return respondError(c, err)
	}
	rec, err := h.engine.Update(c.UserContext(), tableKey(c), id, body)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Delete handles DELETE /api/apps/:app/data/:table/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	id, idErr := recordID(c)
	if idErr != nil {
		return respondError(c, idErr)
	}
	if err := h.engine.Delete(c.UserContext(), tableKey(c), id); err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// --- widgets ---

// RunWidget handles POST /api/apps/:app/widgets/run
func (h *Handler) RunWidget(c *fiber.Ctx) error {
	var w Widget
	if err := decodeBody(c, &w); err != nil {
		return respondError(c, err)
	}
	res, err := h.engine.RunWidget(c.UserContext(), appParam(c), w)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": res})
}

// --- helpers ---

func appParam(c *fiber.Ctx) string {
	return strings.ToLower(strings.TrimSpace(c.Params("app")))
}

func tableKey(c *fiber.Ctx) metadata.TableKey {
	return metadata.TableKey{
		App:   appParam(c),
		Table: strings.ToLower(strings.TrimSpace(c.Params("table"))),
	}
}

func recordID(c *fiber.Ctx) (int64, *AppError) {
	raw := c.Params("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, NotFoundError("Record", raw)
	}
	return id, nil
}

// decodeBody decodes a JSON body keeping numbers exact, so large integers
// survive until coercion.
func decodeBody(c *fiber.Ctx, v any) *AppError {
	body := c.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return InvalidPayloadError("Request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return InvalidPayloadError("Invalid JSON body: " + err.Error())
	}
	return nil
}

func sortString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case []any:
		parts := make([]string, 0, len(s))
		for _, item := range s {
			switch it := item.(type) {
			case string:
				parts = append(parts, it)
			case map[string]any:
				field, _ := it["field"].(string)
				dir := "asc"
				if d, ok := it["direction"].(string); ok && d != "" {
					dir = d
				} else if desc, ok := it["desc"].(bool); ok && desc {
					dir = "desc"
				}
				parts = append(parts, field+":"+dir)
			default:
				return "", InvalidFilterError("sort entries must be strings or {field, direction} objects")
			}
		}
		return strings.Join(parts, ","), nil
	}
	return "", InvalidFilterError("sort must be a string or a list")
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return strings.TrimSpace(canonicalJSON(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// handleError renders client-facing errors and hands everything else to the
// app's error handler.
func handleError(c *fiber.Ctx, err error) error {
	if appErr := AsAppError(err); appErr != nil {
		return respondError(c, appErr)
	}
	return err
}
