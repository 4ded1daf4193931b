package http

import (
	"net/http"

	"presupuesto/internal/core"
	"presupuesto/internal/log"
	"presupuesto/internal/services"
	"presupuesto/internal/storage"
)

// HeaderActor names the caller recorded on events and transfers.
const HeaderActor = "X-User-Id"

// withActor copies the caller identity into the request context.
func withActor(r *http.Request) *http.Request {
	actor := sanitizeInput(r.Header.Get(HeaderActor))
	if actor == "" {
		return r
	}
	return r.WithContext(services.WithActor(r.Context(), actor))
}

func parseBody(w http.ResponseWriter, r *http.Request, op string) (*RequestBodyParser, bool) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		writeError(w, r, op, err)
		return nil, false
	}
	return p, true
}

type okResponse struct {
	OK bool `json:"ok"`
}

// POST /api/gastos
func (s *Server) handleRegisterExpense(w http.ResponseWriter, r *http.Request) {
	r = withActor(r)
	p, ok := parseBody(w, r, log.OpRegisterExpense)
	if !ok {
		return
	}
	monto, err := p.Amount("monto")
	if err != nil {
		writeError(w, r, log.OpRegisterExpense, err)
		return
	}
	fecha, err := p.Date("fecha")
	if err != nil {
		writeError(w, r, log.OpRegisterExpense, err)
		return
	}

	it, err := s.ledger.RegisterExpense(r.Context(), services.RegisterExpenseInput{
		Project:     p.Get("project"),
		Partida:     p.Get("partida"),
		Fecha:       fecha,
		Descripcion: p.Get("descripcion"),
		Monto:       monto,
	})
	if err != nil {
		writeError(w, r, log.OpRegisterExpense, err)
		return
	}
	NewJSONResponse().JSON(struct {
		okResponse
		Detalle detalleDTO `json:"detalle"`
	}{okResponse{true}, toDetalle(it)}).Write(w)
}

// DELETE /api/gastos/{id}
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	r = withActor(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, log.OpDeleteExpense, err)
		return
	}
	res, err := s.ledger.DeleteExpense(r.Context(), id)
	if err != nil {
		writeError(w, r, log.OpDeleteExpense, err)
		return
	}

	var detalle *detalleDTO
	if res.LineItem != nil {
		d := toDetalle(*res.LineItem)
		detalle = &d
	}
	NewJSONResponse().JSON(struct {
		okResponse
		Deleted bool        `json:"deleted"`
		Detalle *detalleDTO `json:"detalle"`
	}{okResponse{true}, res.Deleted, detalle}).Write(w)
}

type saldosDTO struct {
	Origen  money `json:"origen"`
	Destino money `json:"destino"`
}

// POST /api/reconducir
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	r = withActor(r)
	p, ok := parseBody(w, r, log.OpTransferBudget)
	if !ok {
		return
	}
	monto, err := p.Amount("monto")
	if err != nil {
		writeError(w, r, log.OpTransferBudget, err)
		return
	}
	fecha, err := p.Date("fecha")
	if err != nil {
		writeError(w, r, log.OpTransferBudget, err)
		return
	}

	res, err := s.ledger.TransferBudget(r.Context(), services.TransferInput{
		Project:  p.Get("project"),
		Origen:   p.Get("origen"),
		Destino:  p.Get("destino"),
		Monto:    monto,
		Concepto: p.Get("concepto"),
		Fecha:    fecha,
	})
	if err != nil {
		writeError(w, r, log.OpTransferBudget, err)
		return
	}
	NewJSONResponse().JSON(struct {
		okResponse
		TransferID     int64      `json:"transfer_id"`
		OriginNegative bool       `json:"originNegative"`
		OrigenNegativo bool       `json:"origenNegativo"`
		Saldos         saldosDTO  `json:"saldos"`
		Origen         detalleDTO `json:"origen"`
		Destino        detalleDTO `json:"destino"`
	}{
		okResponse:     okResponse{true},
		TransferID:     res.TransferID,
		OriginNegative: res.OriginNegative,
		OrigenNegativo: res.OriginNegative,
		Saldos: saldosDTO{
			Origen:  money(res.Origen.SaldoDisponible),
			Destino: money(res.Destino.SaldoDisponible),
		},
		Origen:  toDetalle(res.Origen),
		Destino: toDetalle(res.Destino),
	}).Write(w)
}

// POST /api/detalles
func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	r = withActor(r)
	p, ok := parseBody(w, r, log.OpSetBudget)
	if !ok {
		return
	}
	presupuesto, err := p.Budget("presupuesto")
	if err != nil {
		writeError(w, r, log.OpSetBudget, err)
		return
	}
	it, err := s.ledger.SetBudget(r.Context(), services.SetBudgetInput{
		Project:     p.Get("project"),
		Partida:     p.Get("partida"),
		Presupuesto: presupuesto,
	})
	if err != nil {
		writeError(w, r, log.OpSetBudget, err)
		return
	}
	NewJSONResponse().JSON(toDetalle(it)).Write(w)
}

// DELETE /api/project?project=
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	r = withActor(r)
	project := queryParam(r, "project")
	if project == "" {
		writeError(w, r, log.OpDeleteProject, core.ErrEmptyProject)
		return
	}
	n, err := s.ledger.DeleteProject(r.Context(), project)
	if err != nil {
		writeError(w, r, log.OpDeleteProject, err)
		return
	}
	NewJSONResponse().JSON(struct {
		okResponse
		DeletedRows int64 `json:"deleted_rows"`
	}{okResponse{true}, n}).Write(w)
}

// GET /api/detalles?project=
func (s *Server) handleListLineItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.ledger.ListLineItems(r.Context(), queryParam(r, "project"))
	if err != nil {
		writeError(w, r, "list_detalles", err)
		return
	}
	NewJSONResponse().JSON(toDetalles(items)).Write(w)
}

// GET /api/gastos?project=
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.ledger.ListExpenses(r.Context(), queryParam(r, "project"))
	if err != nil {
		writeError(w, r, "list_gastos", err)
		return
	}
	NewJSONResponse().JSON(toGastos(expenses)).Write(w)
}

// GET /api/reconducciones?project=
func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.ledger.ListTransfers(r.Context(), storage.TransferFilter{Project: queryParam(r, "project")})
	if err != nil {
		writeError(w, r, "list_reconducciones", err)
		return
	}
	NewJSONResponse().JSON(toReconducciones(transfers)).Write(w)
}

// GET /api/check-duplicates?project=&partida=
func (s *Server) handleCheckDuplicates(w http.ResponseWriter, r *http.Request) {
	project, partida := queryParam(r, "project"), queryParam(r, "partida")
	if project == "" || partida == "" {
		NewJSONResponse().JSON([]detalleDTO{}).Write(w)
		return
	}
	items, err := s.ledger.FindLineItems(r.Context(), project, partida)
	if err != nil {
		writeError(w, r, "check_duplicates", err)
		return
	}
	NewJSONResponse().JSON(toDetalles(items)).Write(w)
}

// GET /api/check-recon-duplicates?project=&origen=&destino=&monto=
func (s *Server) handleCheckTransferDuplicates(w http.ResponseWriter, r *http.Request) {
	f := storage.TransferFilter{
		Project: queryParam(r, "project"),
		Origen:  queryParam(r, "origen"),
		Destino: queryParam(r, "destino"),
	}
	if v := queryParam(r, "monto"); v != "" {
		m, err := core.ParseAmount(v)
		if err != nil {
			writeError(w, r, "check_recon_duplicates", err)
			return
		}
		f.Monto = m
	}
	transfers, err := s.ledger.ListTransfers(r.Context(), f)
	if err != nil {
		writeError(w, r, "check_recon_duplicates", err)
		return
	}
	NewJSONResponse().JSON(toReconducciones(transfers)).Write(w)
}

// GET /api/resumen?project=
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	project := queryParam(r, "project")
	if project == "" {
		writeError(w, r, "summary", core.ErrEmptyProject)
		return
	}
	sum, err := s.ledger.Summary(r.Context(), project)
	if err != nil {
		writeError(w, r, "summary", err)
		return
	}
	NewJSONResponse().JSON(toResumen(sum)).Write(w)
}

// GET /api/auditoria?project=&limit=
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, log.OpAudit, err)
		return
	}
	entries, err := s.ledger.AuditTrail(r.Context(), queryParam(r, "project"), min(limit, 500))
	if err != nil {
		writeError(w, r, log.OpAudit, err)
		return
	}
	NewJSONResponse().JSON(toAuditoria(entries)).Write(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().JSON(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Ping(r.Context()); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", log.FieldError, err)
		NewJSONResponse().Status(http.StatusServiceUnavailable).
			JSON(map[string]string{"status": "unavailable"}).Write(w)
		return
	}
	NewJSONResponse().JSON(map[string]string{"status": "ready"}).Write(w)
}
