package matter

import (
	"github.com/embermesh/matter/pkg/acl"
	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/session"
)

// datamodelAuth aliases the data-model subject type for the device
// authorizer signature.
type datamodelAuth = datamodel.Auth

// deviceAuthorize maps a session to the caller's subject: PASE is the
// temporary commissioning administrator; CASE subjects get the highest
// privilege their ACL entries grant for endpoint 0, cluster 0 (entries
// without targets match any path), or Operate when no entry matches
// (per-element checks still apply downstream).
func deviceAuthorize(acls *acl.Manager, sess *session.Secure) *datamodel.Auth {
	if sess == nil {
		return nil
	}
	switch sess.Type() {
	case session.TypePASE:
		return &datamodel.Auth{Privilege: datamodel.PrivilegeAdminister}
	case session.TypeCASE:
		best := acls.GrantedPrivilege(sess.FabricIndex(), sess.PeerNodeID(), 0, 0)
		if best == 0 {
			best = datamodel.PrivilegeOperate
		}
		return &datamodel.Auth{
			FabricIndex: sess.FabricIndex(),
			SubjectNode: sess.PeerNodeID(),
			Privilege:   best,
		}
	}
	return nil
}
