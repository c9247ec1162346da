package shardalloc

import (
	"errors"
	"reflect"
	"testing"
)

func TestAllocateEvenSplit(t *testing.T) {
	assignment, err := Allocate(Plan{TotalShards: 8, TotalClusters: 2})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	first, ok := assignment.ShardsFor(0)
	if !ok || !reflect.DeepEqual(first, []int{0, 1, 2, 3}) {
		t.Fatalf("expected cluster 0 to own [0 1 2 3], got %v", first)
	}
	second, ok := assignment.ShardsFor(1)
	if !ok || !reflect.DeepEqual(second, []int{4, 5, 6, 7}) {
		t.Fatalf("expected cluster 1 to own [4 5 6 7], got %v", second)
	}
	if got := assignment.Clusters(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("expected clusters [0 1], got %v", got)
	}
}

func TestAllocateRemainderGoesToEarliestClusters(t *testing.T) {
	assignment, err := Allocate(Plan{TotalShards: 10, TotalClusters: 4})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	want := [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7}, {8, 9}}
	for id, expected := range want {
		got, _ := assignment.ShardsFor(id)
		if !reflect.DeepEqual(got, expected) {
			t.Fatalf("cluster %d: expected %v, got %v", id, expected, got)
		}
	}
}

func TestAllocateExplicitShardList(t *testing.T) {
	assignment, err := Allocate(Plan{
		TotalShards:   16,
		TotalClusters: 2,
		ShardList:     []int{9, 8, 10, 11, 12},
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	first, _ := assignment.ShardsFor(0)
	second, _ := assignment.ShardsFor(1)
	if !reflect.DeepEqual(first, []int{8, 9, 10}) || !reflect.DeepEqual(second, []int{11, 12}) {
		t.Fatalf("unexpected split %v %v", first, second)
	}
}

func TestAllocateClusterListRestrictsOutput(t *testing.T) {
	assignment, err := Allocate(Plan{TotalShards: 6, TotalClusters: 3, ClusterList: []int{2, 0}})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got := assignment.Clusters(); !reflect.DeepEqual(got, []int{0, 2}) {
		t.Fatalf("expected clusters [0 2], got %v", got)
	}
	shards, ok := assignment.ShardsFor(2)
	if !ok || !reflect.DeepEqual(shards, []int{4, 5}) {
		t.Fatalf("expected cluster 2 to keep its range, got %v", shards)
	}
}

func TestAllocateRejectsInvalidPlans(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
	}{
		{name: "zero clusters", plan: Plan{TotalShards: 4, TotalClusters: 0}},
		{name: "negative clusters", plan: Plan{TotalShards: 4, TotalClusters: -1}},
		{name: "zero shards", plan: Plan{TotalShards: 0, TotalClusters: 1}},
		{name: "more clusters than shards", plan: Plan{TotalShards: 2, TotalClusters: 3}},
		{name: "shard list too short", plan: Plan{TotalShards: 8, TotalClusters: 3, ShardList: []int{0, 1}}},
		{name: "shard out of range", plan: Plan{TotalShards: 4, TotalClusters: 1, ShardList: []int{4}}},
		{name: "duplicate shard", plan: Plan{TotalShards: 4, TotalClusters: 1, ShardList: []int{1, 1}}},
		{name: "cluster out of range", plan: Plan{TotalShards: 4, TotalClusters: 2, ClusterList: []int{2}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Allocate(tc.plan)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			var configErr *ConfigError
			if !errors.As(err, &configErr) || configErr.Field == "" {
				t.Fatalf("expected ConfigError with field, got %#v", err)
			}
		})
	}
}

func TestShardsForReturnsCopy(t *testing.T) {
	assignment, err := Allocate(Plan{TotalShards: 4, TotalClusters: 2})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	shards, _ := assignment.ShardsFor(0)
	shards[0] = 99
	again, _ := assignment.ShardsFor(0)
	if again[0] != 0 {
		t.Fatalf("expected assignment to be immutable, got %v", again)
	}
	if _, ok := assignment.ShardsFor(5); ok {
		t.Fatal("expected unknown cluster to report false")
	}
}

func TestShardForGuild(t *testing.T) {
	const guildID uint64 = 41771983423143937
	if got := ShardForGuild(guildID, 1); got != 0 {
		t.Fatalf("expected shard 0 with one shard, got %d", got)
	}
	if got := ShardForGuild(guildID, 8); got != 6 {
		t.Fatalf("unexpected shard %d", got)
	}
	if got := ShardForGuild(guildID, 0); got != 0 {
		t.Fatalf("expected 0 for empty shard space, got %d", got)
	}
}
