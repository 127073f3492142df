// Package clustering groups records into identities by taking the connected
// components of the match graph.
package clustering

import (
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Result is the clustering of one record set.
type Result struct {
	Clusters    []models.Cluster
	Assignments []models.ClusterAssignment
	// MaxSeq is the highest cluster sequence number minted.
	MaxSeq int64
}

// ByRecord indexes assignments by record id.
func (r Result) ByRecord() map[string]string {
	out := make(map[string]string, len(r.Assignments))
	for _, a := range r.Assignments {
		out[a.RecordID] = a.PatientID
	}
	return out
}

// Cluster unions the endpoints of every match link. Every id in recordIDs gets
// exactly one assignment; links naming unknown ids are ignored. Clusters are
// numbered from 1 in order of size descending, then smallest member id.
func Cluster(runID int64, recordIDs []string, links []models.Link) Result {
	uf := newUnionFind(len(recordIDs))
	for _, id := range recordIDs {
		uf.add(id)
	}

	for _, l := range links {
		if l.Decision != models.DecisionMatch {
			continue
		}
		a, okA := uf.index[l.RecordID1]
		b, okB := uf.index[l.RecordID2]
		if !okA || !okB {
			continue
		}
		uf.union(a, b)
	}

	groups := make(map[int][]string)
	for i, id := range uf.ids {
		root := uf.find(i)
		groups[root] = append(groups[root], id)
	}

	members := make([][]string, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g)
		members = append(members, g)
	}
	sort.Slice(members, func(i, j int) bool {
		if len(members[i]) != len(members[j]) {
			return len(members[i]) > len(members[j])
		}
		return members[i][0] < members[j][0]
	})

	result := Result{
		Clusters:    make([]models.Cluster, 0, len(members)),
		Assignments: make([]models.ClusterAssignment, 0, len(uf.ids)),
	}
	for n, group := range members {
		seq := int64(n + 1)
		pid := models.FormatClusterID(seq)
		result.Clusters = append(result.Clusters, models.Cluster{
			PatientID: pid,
			Size:      len(group),
			RecordIDs: group,
		})
		for _, id := range group {
			result.Assignments = append(result.Assignments, models.ClusterAssignment{
				RunID:     runID,
				RecordID:  id,
				PatientID: pid,
				Size:      len(group),
			})
		}
		result.MaxSeq = seq
	}
	return result
}

// AnnotateLinks stamps the cluster ids of both endpoints on each link.
func AnnotateLinks(links []models.Link, byRecord map[string]string) {
	for i := range links {
		if pid, ok := byRecord[links[i].RecordID1]; ok {
			links[i].PatientID1 = &pid
		}
		if pid, ok := byRecord[links[i].RecordID2]; ok {
			links[i].PatientID2 = &pid
		}
	}
}

// Group folds assignments into clusters ordered by size descending, then cluster id.
func Group(assignments []models.ClusterAssignment) []models.Cluster {
	byCluster := make(map[string][]string)
	for _, a := range assignments {
		byCluster[a.PatientID] = append(byCluster[a.PatientID], a.RecordID)
	}
	clusters := make([]models.Cluster, 0, len(byCluster))
	for pid, ids := range byCluster {
		sort.Strings(ids)
		clusters = append(clusters, models.Cluster{PatientID: pid, Size: len(ids), RecordIDs: ids})
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].PatientID < clusters[j].PatientID
	})
	return clusters
}
