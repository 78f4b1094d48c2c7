package server

import (
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
)

var reDomain = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]*$`)

// handleIcon redirects to the site's own favicon rather than proxying a
// third-party icon service, so the server never tells anyone else which
// sites its users store logins for.
func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	if !reDomain.MatchString(domain) {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "http://"+domain+"/favicon.ico", http.StatusFound)
}
