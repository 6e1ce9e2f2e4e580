package summarizer

import (
	"fmt"
	"strings"
)

const systemPrompt = "你是一位专业的AI和机器人领域研究分析师，同时也是投资分析师，擅长用中文总结学术论文并识别技术趋势和投资机会。"

// BuildPrompt returns the system and user prompts for in.
func BuildPrompt(in Input) (system, user string) {
	authors := "Unknown"
	if len(in.Authors) > 0 {
		authors = strings.Join(in.Authors, ", ")
	}
	year := "Unknown"
	if in.Year > 0 {
		year = fmt.Sprintf("%d", in.Year)
	}
	venue := in.Venue
	if venue == "" {
		venue = "Unknown"
	}
	abstract := in.Abstract
	if abstract == "" {
		abstract = "No abstract available"
	}

	var sb strings.Builder
	sb.WriteString("请用中文总结以下学术论文的核心内容（300-500字）：\n\n")
	fmt.Fprintf(&sb, "标题：%s\n", in.Title)
	fmt.Fprintf(&sb, "作者：%s\n", authors)
	fmt.Fprintf(&sb, "年份：%s\n", year)
	fmt.Fprintf(&sb, "发表于：%s\n", venue)
	fmt.Fprintf(&sb, "引用次数：%d\n\n", in.CitationCount)
	fmt.Fprintf(&sb, "摘要：\n%s\n\n", abstract)
	sb.WriteString("总结请包括：\n")
	sb.WriteString("1. 研究背景和动机\n")
	sb.WriteString("2. 主要方法/技术\n")
	sb.WriteString("3. 核心贡献和创新点\n")
	sb.WriteString("4. 实验结果（如有）\n")
	sb.WriteString("5. 潜在应用场景\n\n")
	fmt.Fprintf(&sb, "然后另起一段，以“%s”开头，从投资角度分析（200-400字）：\n", InsightMarkerZH)
	sb.WriteString("1. 技术成熟度（早期研究 vs 应用就绪）\n")
	sb.WriteString("2. 商业化潜力（可能的产品/服务方向）\n")
	sb.WriteString("3. 相关行业/公司（可能受益的领域）\n")
	sb.WriteString("4. 投资建议（关注点/风险提示）\n\n")
	fmt.Fprintf(&sb, "最后单独一行，以“%s：”开头，列出3-5个关键词，用逗号分隔。\n\n", KeywordsMarkerZH)
	sb.WriteString("用简洁、专业的中文表达，便于投资人快速理解。")

	return systemPrompt, sb.String()
}
