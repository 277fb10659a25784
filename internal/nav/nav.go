// Package nav はサイドバーのナビゲーションリンクと、それを表示するレイアウトを提供する。
// 現在のパスからアクティブなリンクを判定し、狭い画面向けのスライドアウトパネルにも同じリンクを並べる。
package nav

import "strings"

// Link はナビゲーションの1項目。
type Link struct {
	Route string `json:"route"`
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

// Item は現在のパスに対するアクティブ判定を付けたLink。
type Item struct {
	Link
	Active bool `json:"active"`
}

// sidebarLinks は表示順に並べたナビゲーションリンク。
var sidebarLinks = []Link{
	{Route: "/", Label: "Home", Icon: "/icon/home.svg"},
	{Route: "/my-banks", Label: "My Banks", Icon: "/icon/dollar-circle.svg"},
	{Route: "/transaction-history", Label: "Transaction History", Icon: "/icon/transaction.svg"},
	{Route: "/payment-transfer", Label: "Transfer Funds", Icon: "/icon/money-send.svg"},
}

// Links はナビゲーションリンクのコピーを表示順で返す。
func Links() []Link {
	out := make([]Link, len(sidebarLinks))
	copy(out, sidebarLinks)
	return out
}

// IsActive は現在のパスがrouteと一致するか、route配下のパスであればtrueを返す。
// "/my-banks-old" のように文字列として前方一致するだけのパスはアクティブにしない。
func IsActive(current, route string) bool {
	return current == route || strings.HasPrefix(current, route+"/")
}

// Build は現在のパスに対するアクティブ判定を付けたリンク一覧を返す。
func Build(current string) []Item {
	items := make([]Item, 0, len(sidebarLinks))
	for _, l := range sidebarLinks {
		items = append(items, Item{Link: l, Active: IsActive(current, l.Route)})
	}
	return items
}

// IsRoute はpathがナビゲーションリンクのいずれかと完全一致する場合にtrueを返す。
func IsRoute(path string) bool {
	for _, l := range sidebarLinks {
		if l.Route == path {
			return true
		}
	}
	return false
}
