package reconcile

import (
	"sort"

	"github.com/alexjbarnes/davsync/internal/localfs"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/paths"
)

// pair is one name at one directory level with whatever each source knows
// about it. Any of the three may be nil, but not all of them.
type pair struct {
	Name   string
	Remote *models.Resource
	Local  *localfs.Entry
	Record *models.ResourceSyncRecord
}

// levelPlan is the pairing of one directory level. Directories and files
// never pair with each other, so a name that is a file on one side and a
// folder on the other shows up once in each list.
type levelPlan struct {
	Dirs  []pair
	Files []pair
}

type planKey struct {
	name string
	dir  bool
}

// planLevel pairs remote children, local children and child records by
// normalized name and kind. It is pure so each level can be tested in
// isolation, and the visited sets of the walk are simply the pairs it
// returns.
func planLevel(remote []models.Resource, localFiles, localFolders []localfs.Entry, records []models.ResourceSyncRecord) levelPlan {
	byKey := make(map[planKey]*pair)

	get := func(name string, dir bool) *pair {
		k := planKey{name: name, dir: dir}

		p, ok := byKey[k]
		if !ok {
			p = &pair{Name: name}
			byKey[k] = p
		}

		return p
	}

	for i := range remote {
		r := &remote[i]

		name := paths.Local(r.Name)
		if name == "" || localfs.Ignored(name) {
			continue
		}

		get(name, r.IsDir).Remote = r
	}

	for i := range localFiles {
		get(paths.Local(localFiles[i].Name), false).Local = &localFiles[i]
	}

	for i := range localFolders {
		get(paths.Local(localFolders[i].Name), true).Local = &localFolders[i]
	}

	for i := range records {
		rec := &records[i]
		get(paths.Name(rec.RemotePath), rec.IsDir).Record = rec
	}

	var plan levelPlan

	for k, p := range byKey {
		if k.dir {
			plan.Dirs = append(plan.Dirs, *p)
		} else {
			plan.Files = append(plan.Files, *p)
		}
	}

	sort.Slice(plan.Dirs, func(i, j int) bool { return plan.Dirs[i].Name < plan.Dirs[j].Name })
	sort.Slice(plan.Files, func(i, j int) bool { return plan.Files[i].Name < plan.Files[j].Name })

	return plan
}
