package controlapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ferrule/ferrule/internal/control"
	"github.com/ferrule/ferrule/internal/nexthop"
)

// Handlers exposes NH_ADD/NH_DEL/NH_LIST over HTTP+JSON (spec.md §6),
// grounded on pkg/controlplane/api/handlers's thin-handler-over-Response
// style.
type Handlers struct {
	loop *control.Loop
}

func NewHandlers(loop *control.Loop) *Handlers {
	return &Handlers{loop: loop}
}

type addRequestBody struct {
	VRFID   uint16 `json:"vrf_id"`
	IfaceID uint16 `json:"iface_id"`
	Addr    string `json:"addr"`
	MAC     string `json:"mac"`
	ExistOK bool   `json:"exist_ok"`
}

// Add handles POST /api/v1/nexthops.
func (h *Handlers) Add(w http.ResponseWriter, r *http.Request) {
	var body addRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errResponse(w, http.StatusBadRequest, err)
		return
	}
	addr, err := netip.ParseAddr(body.Addr)
	if err != nil {
		errResponse(w, http.StatusBadRequest, err)
		return
	}
	mac, err := parseMAC(body.MAC)
	if err != nil {
		errResponse(w, http.StatusBadRequest, err)
		return
	}
	err = h.loop.Add(control.AddRequest{
		VRFID:   body.VRFID,
		IfaceID: body.IfaceID,
		Addr:    addr,
		MAC:     mac,
		ExistOK: body.ExistOK,
	})
	if err != nil {
		errResponse(w, statusForKind(nexthop.KindOf(err)), err)
		return
	}
	created(w, map[string]string{"addr": addr.String()})
}

// Delete handles DELETE /api/v1/nexthops/{addr}.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		errResponse(w, http.StatusBadRequest, err)
		return
	}
	vrfID, _ := strconv.ParseUint(r.URL.Query().Get("vrf_id"), 10, 16)
	missingOK := r.URL.Query().Get("missing_ok") == "true"

	err = h.loop.Del(control.DelRequest{VRFID: uint16(vrfID), Addr: addr, MissingOK: missingOK})
	if err != nil {
		errResponse(w, statusForKind(nexthop.KindOf(err)), err)
		return
	}
	ok(w, map[string]string{"addr": addr.String()})
}

// List handles GET /api/v1/nexthops?family=v4|v6&vrf_id=N.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	family := nexthop.FamilyV4
	if r.URL.Query().Get("family") == "v6" {
		family = nexthop.FamilyV6
	}
	vrfID := control.AllVRFs
	if raw := r.URL.Query().Get("vrf_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			errResponse(w, http.StatusBadRequest, err)
			return
		}
		vrfID = uint16(v)
	}
	ok(w, h.loop.List(family, vrfID))
}

type linkRequestBody struct {
	VRFID   uint16 `json:"vrf_id"`
	IfaceID uint16 `json:"iface_id"`
	Prefix  string `json:"prefix"`
}

// AddLink handles POST /api/v1/links: creates a LINK route for a
// directly-connected subnet (GLOSSARY "LINK route").
func (h *Handlers) AddLink(w http.ResponseWriter, r *http.Request) {
	var body linkRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errResponse(w, http.StatusBadRequest, err)
		return
	}
	prefix, err := netip.ParsePrefix(body.Prefix)
	if err != nil {
		errResponse(w, http.StatusBadRequest, err)
		return
	}
	err = h.loop.AddLink(control.AddLinkRequest{VRFID: body.VRFID, IfaceID: body.IfaceID, Prefix: prefix})
	if err != nil {
		errResponse(w, statusForKind(nexthop.KindOf(err)), err)
		return
	}
	created(w, map[string]string{"prefix": prefix.String()})
}

// DeleteLink handles DELETE /api/v1/links?prefix=...: withdraws a LINK
// route and releases the LINK protection on its nexthop (spec.md S5). The
// prefix is a query parameter rather than a path segment since it embeds a
// "/".
func (h *Handlers) DeleteLink(w http.ResponseWriter, r *http.Request) {
	prefix, err := netip.ParsePrefix(r.URL.Query().Get("prefix"))
	if err != nil {
		errResponse(w, http.StatusBadRequest, err)
		return
	}
	vrfID, _ := strconv.ParseUint(r.URL.Query().Get("vrf_id"), 10, 16)
	ifaceID, _ := strconv.ParseUint(r.URL.Query().Get("iface_id"), 10, 16)

	err = h.loop.DelLink(control.DelLinkRequest{VRFID: uint16(vrfID), IfaceID: uint16(ifaceID), Prefix: prefix})
	if err != nil {
		errResponse(w, statusForKind(nexthop.KindOf(err)), err)
		return
	}
	ok(w, map[string]string{"prefix": prefix.String()})
}

func parseMAC(s string) (nexthop.MAC, error) {
	var m nexthop.MAC
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, err
	}
	copy(m[:], hw)
	return m, nil
}

func statusForKind(k nexthop.Kind) int {
	switch k {
	case nexthop.KindInvalidArg, nexthop.KindProtocolViolation:
		return http.StatusBadRequest
	case nexthop.KindNotFound, nexthop.KindNoDevice:
		return http.StatusNotFound
	case nexthop.KindExists:
		return http.StatusConflict
	case nexthop.KindBusy:
		return http.StatusLocked
	case nexthop.KindNoCapacity:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
