package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
)

// operationsResource exposes one collection of in-progress operations.
// Each tracked operation gets a numeric id under the collection path;
// GET renders its textual progress tree and DELETE forgets it.
type operationsResource struct {
	basePath string
	registry *operation.Registry
}

func newOperationsResource(basePath string) *operationsResource {
	return &operationsResource{
		basePath: basePath,
		registry: operation.NewRegistry(),
	}
}

// track registers an operation and returns the Location of its
// sub-resource.
func (o *operationsResource) track(oip *operation.OIP, onDelete func()) string {
	return o.trackAt(o.basePath, oip, onDelete)
}

// trackAt is track with an explicit base path, for collections mounted
// under a route variable.
func (o *operationsResource) trackAt(basePath string, oip *operation.OIP, onDelete func()) string {
	id := o.registry.Add(oip, onDelete)
	return basePath + "/" + id
}

func (o *operationsResource) get(w http.ResponseWriter, r *http.Request) {
	oip, err := o.registry.Get(mux.Vars(r)["oip"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": oip.Format()})
}

func (o *operationsResource) delete(w http.ResponseWriter, r *http.Request) {
	if err := o.registry.Delete(mux.Vars(r)["oip"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
