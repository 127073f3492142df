package clustering

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func link(a, b string, d models.Decision) models.Link {
	return models.Link{RecordID1: a, RecordID2: b, Decision: d}
}

func TestCluster(t *testing.T) {
	ids := []string{"5", "1", "2", "3", "4", "6"}
	links := []models.Link{
		link("1", "2", models.DecisionMatch),
		link("2", "3", models.DecisionMatch),
		link("4", "5", models.DecisionMatch),
		link("5", "6", models.DecisionReview),
		link("6", "unknown", models.DecisionMatch),
	}

	result := Cluster(7, ids, links)

	require.Len(t, result.Clusters, 3)
	assert.Equal(t, models.Cluster{PatientID: "P00001", Size: 3, RecordIDs: []string{"1", "2", "3"}}, result.Clusters[0])
	assert.Equal(t, models.Cluster{PatientID: "P00002", Size: 2, RecordIDs: []string{"4", "5"}}, result.Clusters[1])
	assert.Equal(t, models.Cluster{PatientID: "P00003", Size: 1, RecordIDs: []string{"6"}}, result.Clusters[2])
	assert.Equal(t, int64(3), result.MaxSeq)

	assert.Len(t, result.Assignments, len(ids))
	for _, a := range result.Assignments {
		assert.Equal(t, int64(7), a.RunID)
	}
	byRecord := result.ByRecord()
	assert.Equal(t, "P00002", byRecord["5"])
	assert.Equal(t, "P00003", byRecord["6"])

	t.Run("should be idempotent", func(t *testing.T) {
		assert.Equal(t, result, Cluster(7, ids, links))
	})
}

func TestCluster_TieBreakBySmallestMember(t *testing.T) {
	result := Cluster(1, []string{"b", "c", "a", "d"}, []models.Link{
		link("c", "d", models.DecisionMatch),
		link("a", "b", models.DecisionMatch),
	})
	require.Len(t, result.Clusters, 2)
	assert.Equal(t, []string{"a", "b"}, result.Clusters[0].RecordIDs)
	assert.Equal(t, []string{"c", "d"}, result.Clusters[1].RecordIDs)
}

func TestCluster_Empty(t *testing.T) {
	result := Cluster(1, nil, nil)
	assert.Empty(t, result.Clusters)
	assert.Empty(t, result.Assignments)
	assert.Zero(t, result.MaxSeq)
}

func TestUnionFind_LongChain(t *testing.T) {
	uf := newUnionFind(0)
	for i := 0; i < 1000; i++ {
		uf.add(fmt.Sprintf("r%d", i))
	}
	for i := 1; i < len(uf.ids); i++ {
		uf.union(i-1, i)
	}
	root := uf.find(0)
	for i := range uf.ids {
		assert.Equal(t, root, uf.find(i))
	}
	assert.Equal(t, 0, uf.add(uf.ids[0]))
}

func TestAnnotateLinksAndGroup(t *testing.T) {
	links := []models.Link{link("1", "2", models.DecisionReview)}
	AnnotateLinks(links, map[string]string{"1": "P00001"})
	require.NotNil(t, links[0].PatientID1)
	assert.Equal(t, "P00001", *links[0].PatientID1)
	assert.Nil(t, links[0].PatientID2)

	clusters := Group([]models.ClusterAssignment{
		{RecordID: "3", PatientID: "P00002"},
		{RecordID: "1", PatientID: "P00001"},
		{RecordID: "2", PatientID: "P00002"},
	})
	require.Len(t, clusters, 2)
	assert.Equal(t, "P00002", clusters[0].PatientID)
	assert.Equal(t, []string{"2", "3"}, clusters[0].RecordIDs)
}
