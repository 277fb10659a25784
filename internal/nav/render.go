package nav

import (
	"embed"
	"fmt"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templateFS embed.FS

// Metadata はレイアウトの<head>に出力するページ情報。
type Metadata struct {
	Title       string
	Description string
	Icon        string
	Lang        string
}

// DefaultMetadata はアプリケーション共通のページ情報。
var DefaultMetadata = Metadata{
	Title:       "Homework",
	Description: "Testing and learning NextJs",
	Icon:        "/icon/logo.svg",
	Lang:        "en",
}

// Page はレイアウトに渡す表示データ。
type Page struct {
	Meta        Metadata
	CurrentPath string
	Items       []Item
	UserName    string // 未ログインの場合は空
	Heading     string
}

// Renderer はレイアウトテンプレートを描画する。
type Renderer struct {
	tmpl *template.Template
	meta Metadata
}

// NewRenderer は埋め込みテンプレートを読み込んでRendererを生成する。
func NewRenderer(meta Metadata) (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("テンプレートの読み込みに失敗しました: %w", err)
	}
	return &Renderer{tmpl: tmpl, meta: meta}, nil
}

// NewPage は現在のパスと表示名からPageを組み立てる。
func (r *Renderer) NewPage(currentPath, userName string) Page {
	items := Build(currentPath)
	heading := r.meta.Title
	for _, item := range items {
		if item.Active {
			heading = item.Label
		}
	}
	return Page{
		Meta:        r.meta,
		CurrentPath: currentPath,
		Items:       items,
		UserName:    userName,
		Heading:     heading,
	}
}

// Render はレイアウト全体をwに書き出す。
func (r *Renderer) Render(w io.Writer, page Page) error {
	if err := r.tmpl.ExecuteTemplate(w, "layout", page); err != nil {
		return fmt.Errorf("レイアウトの描画に失敗しました: %w", err)
	}
	return nil
}
