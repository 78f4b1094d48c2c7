package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"keywarden/internal/crypto"
	"keywarden/internal/store"
)

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	folders, err := s.store.FoldersByAccount(r.Context(), acct.UUID)
	if err != nil {
		s.log.Error().Err(err).Msg("sync folders")
		validationError(w, "Unknown error")
		return
	}
	ciphers, err := s.store.CiphersByAccount(r.Context(), acct.UUID)
	if err != nil {
		s.log.Error().Err(err).Msg("sync ciphers")
		validationError(w, "Unknown error")
		return
	}

	resp := syncObject{
		Profile: newProfileObject(acct),
		Folders: make([]folderObject, 0, len(folders)),
		Ciphers: make([]cipherObject, 0, len(ciphers)),
		Domains: domainsObject{
			GlobalEquivalentDomains: []any{},
			Object:                  "domains",
		},
		Object: "sync",
	}
	for _, f := range folders {
		resp.Folders = append(resp.Folders, newFolderObject(f))
	}
	for _, c := range ciphers {
		resp.Ciphers = append(resp.Ciphers, newCipherObject(c))
	}
	writeJSON(w, resp)
}

// Cipher item types, fixed by the client protocol.
const (
	cipherTypeLogin = 1
	cipherTypeNote  = 2
	cipherTypeCard  = 3
)

// cipherDataFromParams rebuilds the stored Data blob from a create/update
// request: the item name, the fields of the type-specific sub-object and any
// custom fields, all re-keyed with an uppercased first letter.
func cipherDataFromParams(p params) ([]byte, error) {
	data := map[string]any{
		"Name": p.str("name"),
	}
	var sub params
	switch p.intVal("type") {
	case cipherTypeLogin:
		sub = p.sub("login")
	case cipherTypeCard:
		sub = p.sub("card")
	}
	for k, v := range sub {
		data[upperFirst(k)] = v
	}
	if notes, ok := p["notes"]; ok {
		data["Notes"] = notes
	} else {
		data["Notes"] = nil
	}
	if fields := p.list("fields"); fields != nil {
		out := make([]map[string]any, 0, len(fields))
		for _, f := range fields {
			fh := map[string]any{}
			for k, v := range f {
				fh[upperFirst(k)] = v
			}
			out = append(out, fh)
		}
		data["Fields"] = out
	} else {
		data["Fields"] = nil
	}
	return json.Marshal(data)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// validCipherRequest checks the fields shared by cipher create and update:
// type and name present, the name a well-formed envelope, and any folder
// owned by the account.
func (s *Server) validCipherRequest(w http.ResponseWriter, r *http.Request, p params, acct *store.Account) bool {
	if field, ok := p.require("type", "name"); !ok {
		validationError(w, field+" cannot be blank")
		return false
	}
	if _, err := crypto.ParseCipherString(p.str("name")); err != nil {
		validationError(w, "Invalid name")
		return false
	}
	if fid := p.str("folderid"); fid != "" {
		if _, err := s.store.FolderByUUID(r.Context(), acct.UUID, fid); err != nil {
			validationError(w, "Invalid folder")
			return false
		}
	}
	return true
}

func (s *Server) handleCipherCreate(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if !s.validCipherRequest(w, r, p, acct) {
		return
	}
	data, err := cipherDataFromParams(p)
	if err != nil {
		validationError(w, "error saving")
		return
	}
	c := &store.Cipher{
		UUID:        uuid.NewString(),
		AccountUUID: acct.UUID,
		FolderUUID:  p.str("folderid"),
		Type:        p.intVal("type"),
		Data:        data,
		Favorite:    p.boolVal("favorite"),
	}
	if err := s.store.SaveCipher(r.Context(), c); err != nil {
		s.log.Error().Err(err).Msg("cipher create")
		validationError(w, "error saving")
		return
	}
	obj := newCipherObject(c)
	obj.Edit = true
	writeJSON(w, obj)
}

func (s *Server) handleCipherUpdate(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	c, err := s.store.CipherByUUID(r.Context(), acct.UUID, mux.Vars(r)["uuid"])
	if err != nil {
		validationError(w, "invalid cipher")
		return
	}
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if !s.validCipherRequest(w, r, p, acct) {
		return
	}
	data, err := cipherDataFromParams(p)
	if err != nil {
		validationError(w, "error saving")
		return
	}
	c.FolderUUID = p.str("folderid")
	c.Type = p.intVal("type")
	c.Data = data
	c.Favorite = p.boolVal("favorite")
	if err := s.store.SaveCipher(r.Context(), c); err != nil {
		s.log.Error().Err(err).Msg("cipher update")
		validationError(w, "error saving")
		return
	}
	obj := newCipherObject(c)
	obj.Edit = true
	writeJSON(w, obj)
}

func (s *Server) handleCipherDelete(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	err := s.store.DeleteCipher(r.Context(), acct.UUID, mux.Vars(r)["uuid"])
	if errors.Is(err, store.ErrNotFound) {
		validationError(w, "invalid cipher")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("cipher delete")
		validationError(w, "error saving")
		return
	}
	writeJSON(w, map[string]any{})
}

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if field, ok := p.require("name"); !ok {
		validationError(w, field+" cannot be blank")
		return
	}
	if _, err := crypto.ParseCipherString(p.str("name")); err != nil {
		validationError(w, "Invalid name")
		return
	}
	f := &store.Folder{
		UUID:        uuid.NewString(),
		AccountUUID: acct.UUID,
		Name:        p.str("name"),
	}
	if err := s.store.SaveFolder(r.Context(), f); err != nil {
		s.log.Error().Err(err).Msg("folder create")
		validationError(w, "error saving")
		return
	}
	writeJSON(w, newFolderObject(f))
}

func (s *Server) handleFolderUpdate(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	f, err := s.store.FolderByUUID(r.Context(), acct.UUID, mux.Vars(r)["uuid"])
	if err != nil {
		validationError(w, "invalid folder")
		return
	}
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if field, ok := p.require("name"); !ok {
		validationError(w, field+" cannot be blank")
		return
	}
	if _, err := crypto.ParseCipherString(p.str("name")); err != nil {
		validationError(w, "Invalid name")
		return
	}
	f.Name = p.str("name")
	if err := s.store.SaveFolder(r.Context(), f); err != nil {
		s.log.Error().Err(err).Msg("folder update")
		validationError(w, "error saving")
		return
	}
	writeJSON(w, newFolderObject(f))
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	err := s.store.DeleteFolder(r.Context(), acct.UUID, mux.Vars(r)["uuid"])
	if errors.Is(err, store.ErrNotFound) {
		validationError(w, "invalid folder")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("folder delete")
		validationError(w, "error saving")
		return
	}
	writeJSON(w, map[string]any{})
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	s.setPushToken(w, r, acct, true)
}

func (s *Server) handleClearPushToken(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	s.setPushToken(w, r, acct, false)
}

func (s *Server) setPushToken(w http.ResponseWriter, r *http.Request, acct *store.Account, set bool) {
	d, err := s.store.DeviceByUUID(r.Context(), mux.Vars(r)["uuid"])
	if err != nil || d.AccountUUID != acct.UUID {
		validationError(w, "invalid device")
		return
	}
	if set {
		p, err := parseParams(r)
		if err != nil {
			validationError(w, "invalid request body")
			return
		}
		d.PushToken = p.str("pushtoken")
	} else {
		d.PushToken = ""
	}
	if err := s.store.SaveDevice(r.Context(), d); err != nil {
		validationError(w, "error saving")
		return
	}
	writeJSON(w, map[string]any{})
}
