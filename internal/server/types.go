package server

import (
	"encoding/json"
	"time"

	"keywarden/internal/store"
)

// revisionStamp is the timestamp format the clients expect on every object.
const revisionStamp = "2006-01-02T15:04:05.000000Z"

type profileObject struct {
	Id                 string  `json:"Id"`
	Name               string  `json:"Name"`
	Email              string  `json:"Email"`
	EmailVerified      bool    `json:"EmailVerified"`
	Premium            bool    `json:"Premium"`
	MasterPasswordHint *string `json:"MasterPasswordHint"`
	Culture            string  `json:"Culture"`
	TwoFactorEnabled   bool    `json:"TwoFactorEnabled"`
	Key                string  `json:"Key"`
	PrivateKey         *string `json:"PrivateKey"`
	SecurityStamp      string  `json:"SecurityStamp"`
	Organizations      []any   `json:"Organizations"`
	Object             string  `json:"Object"`
}

func newProfileObject(a *store.Account) profileObject {
	return profileObject{
		Id:                 a.UUID,
		Name:               a.Name,
		Email:              a.Email,
		EmailVerified:      a.EmailVerified,
		Premium:            a.Premium,
		MasterPasswordHint: nullable(a.PasswordHint),
		Culture:            a.Culture,
		TwoFactorEnabled:   a.TwoFactorEnabled(),
		Key:                a.Key,
		PrivateKey:         nil,
		SecurityStamp:      a.SecurityStamp,
		Organizations:      []any{},
		Object:             "profile",
	}
}

type cipherObject struct {
	Id                  string          `json:"Id"`
	Type                int             `json:"Type"`
	RevisionDate        string          `json:"RevisionDate"`
	FolderId            *string         `json:"FolderId"`
	Favorite            bool            `json:"Favorite"`
	OrganizationId      *string         `json:"OrganizationId"`
	Attachments         *any            `json:"Attachments"`
	OrganizationUseTotp bool            `json:"OrganizationUseTotp"`
	Data                json.RawMessage `json:"Data"`
	Edit                bool            `json:"Edit,omitempty"`
	Object              string          `json:"Object"`
}

func newCipherObject(c *store.Cipher) cipherObject {
	data := c.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return cipherObject{
		Id:           c.UUID,
		Type:         c.Type,
		RevisionDate: c.UpdatedAt.UTC().Format(revisionStamp),
		FolderId:     nullable(c.FolderUUID),
		Favorite:     c.Favorite,
		Data:         data,
		Object:       "cipher",
	}
}

type folderObject struct {
	Id           string `json:"Id"`
	RevisionDate string `json:"RevisionDate"`
	Name         string `json:"Name"`
	Object       string `json:"Object"`
}

func newFolderObject(f *store.Folder) folderObject {
	return folderObject{
		Id:           f.UUID,
		RevisionDate: f.UpdatedAt.UTC().Format(revisionStamp),
		Name:         f.Name,
		Object:       "folder",
	}
}

type domainsObject struct {
	EquivalentDomains       *any   `json:"EquivalentDomains"`
	GlobalEquivalentDomains []any  `json:"GlobalEquivalentDomains"`
	Object                  string `json:"Object"`
}

type syncObject struct {
	Profile profileObject  `json:"Profile"`
	Folders []folderObject `json:"Folders"`
	Ciphers []cipherObject `json:"Ciphers"`
	Domains domainsObject  `json:"Domains"`
	Object  string         `json:"Object"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatRevision(t time.Time) string {
	return t.UTC().Format(revisionStamp)
}
