// Package conflict picks the authoritative ConfigurationRecord when a local
// and a remote copy disagree.
package conflict

import "github.com/g960059/famsync/internal/model"

type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// Winner orders two records totally:
//  1. a controller-originated record beats an agent-originated one, whatever
//     the timestamps;
//  2. otherwise the newer LastModified wins;
//  3. on equal timestamps a remote controller record wins;
//  4. on equal timestamps and equal roles the higher OriginDeviceID wins;
//  5. otherwise local is kept.
//
// The result is the same on every device that sees the same pair.
func Winner(local, remote model.ConfigurationRecord) Side {
	localCtl := local.OriginRole == model.RoleController
	remoteCtl := remote.OriginRole == model.RoleController
	if remoteCtl && !localCtl {
		return Remote
	}
	if localCtl && !remoteCtl {
		return Local
	}
	if !local.LastModified.Equal(remote.LastModified) {
		if remote.LastModified.After(local.LastModified) {
			return Remote
		}
		return Local
	}
	if remoteCtl {
		return Remote
	}
	if remote.OriginDeviceID > local.OriginDeviceID {
		return Remote
	}
	return Local
}

func Resolve(local, remote model.ConfigurationRecord) model.ConfigurationRecord {
	if Winner(local, remote) == Remote {
		return remote
	}
	return local
}
