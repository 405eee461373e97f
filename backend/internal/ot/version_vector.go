package ot

import (
	"fmt"
	"slices"
	"strings"
)

// VersionVector siteId -> 已集成的最大 seq。
// 同时用作因果上下文：{(s, k) | k <= vv[s]}，seq=0 的基础内容对任何向量都可见。
type VersionVector map[string]uint64

func (v VersionVector) Get(siteID string) uint64 { return v[siteID] }

func (v VersionVector) Copy() VersionVector {
	out := make(VersionVector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

func (v VersionVector) Includes(id OpID) bool { return id.Seq <= v[id.SiteID] }

// Advance 只前进不后退
func (v VersionVector) Advance(id OpID) {
	if id.Seq > v[id.SiteID] {
		v[id.SiteID] = id.Seq
	}
}

func (v VersionVector) Merge(o VersionVector) {
	for site, n := range o {
		if n > v[site] {
			v[site] = n
		}
	}
}

// LessOrEqual v 中的每个分量都不超过 o
func (v VersionVector) LessOrEqual(o VersionVector) bool {
	for site, n := range v {
		if n > o[site] {
			return false
		}
	}
	return true
}

func (v VersionVector) Equal(o VersionVector) bool {
	return v.LessOrEqual(o) && o.LessOrEqual(v)
}

// Concurrent 两边互不包含
func (v VersionVector) Concurrent(o VersionVector) bool {
	return !v.LessOrEqual(o) && !o.LessOrEqual(v)
}

func (v VersionVector) Total() uint64 {
	var n uint64
	for _, k := range v {
		n += k
	}
	return n
}

func (v VersionVector) Sites() []string {
	sites := make([]string, 0, len(v))
	for s, n := range v {
		if n > 0 {
			sites = append(sites, s)
		}
	}
	slices.Sort(sites)
	return sites
}

func (v VersionVector) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range v.Sites() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", s, v[s])
	}
	b.WriteByte('}')
	return b.String()
}
